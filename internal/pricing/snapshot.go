package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
)

// defaultRefreshInterval bounds how stale the in-memory rule set may get.
// Admin rule writes trigger an immediate refresh on top of this.
const defaultRefreshInterval = 5 * time.Minute

// RuleSnapshot holds the enabled pricing rules in memory so cost resolution
// never needs a database round-trip on the billable path.
type RuleSnapshot struct {
	db       *gorm.DB
	rules    atomic.Value // stores []models.PricingRule
	interval time.Duration
}

// NewRuleSnapshot constructs an empty snapshot over the given connection.
func NewRuleSnapshot(db *gorm.DB) *RuleSnapshot {
	s := &RuleSnapshot{db: db, interval: defaultRefreshInterval}
	s.rules.Store([]models.PricingRule{})
	return s
}

// Load returns the current rule set. The slice is shared and must not be
// mutated by callers.
func (s *RuleSnapshot) Load() []models.PricingRule {
	v := s.rules.Load()
	rules, ok := v.([]models.PricingRule)
	if !ok {
		return nil
	}
	return rules
}

// Store replaces the rule set directly. Used by tests.
func (s *RuleSnapshot) Store(rules []models.PricingRule) {
	s.rules.Store(rules)
}

// Refresh reloads enabled, already-active rules from the database.
func (s *RuleSnapshot) Refresh(ctx context.Context) error {
	if s.db == nil {
		return errors.New("pricing: nil db")
	}

	var rows []models.PricingRule
	if errFind := s.db.WithContext(ctx).
		Where("is_enabled = ? AND active_from <= ?", true, time.Now().UTC()).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	s.rules.Store(rows)
	return nil
}

// Start refreshes immediately and then on the interval until ctx ends.
func (s *RuleSnapshot) Start(ctx context.Context) error {
	if errRefresh := s.Refresh(ctx); errRefresh != nil {
		return errRefresh
	}
	go s.run(ctx)
	log.Infof("pricing rule snapshot started (interval=%s)", s.interval)
	return nil
}

func (s *RuleSnapshot) run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if errRefresh := s.Refresh(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("pricing: rule snapshot refresh failed")
		}
	}
}
