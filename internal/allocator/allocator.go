package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/pricing"
)

// PeriodLength is the rolling cap window. Periods are anchored at the
// account's cap_period_start and advance in whole steps, so every period has
// the same length regardless of signup date.
const PeriodLength = 30 * 24 * time.Hour

// defaultSweepInterval is how often the reset loop scans for elapsed periods.
const defaultSweepInterval = time.Hour

// defaultEntitlements maps tier to the monthly credit entitlement granted on
// upgrade, in micros.
var defaultEntitlements = map[string]int64{
	models.TierFree:    0,
	models.TierStarter: 15 * pricing.MicrosPerCredit,
	models.TierPro:     45 * pricing.MicrosPerCredit,
}

// Allocator grants tier entitlements and resets free monthly allowances at
// cap period boundaries.
type Allocator struct {
	store        *ledger.Store
	engine       *pricing.Engine
	entitlements map[string]int64
	interval     time.Duration
	now          func() time.Time
}

// New constructs an Allocator with default entitlements.
func New(store *ledger.Store, engine *pricing.Engine) *Allocator {
	return &Allocator{
		store:        store,
		engine:       engine,
		entitlements: defaultEntitlements,
		interval:     defaultSweepInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Entitlement returns the monthly entitlement for a tier.
func (a *Allocator) Entitlement(tier string) int64 {
	return a.entitlements[tier]
}

// GrantTierCredits moves an account to a new tier and credits the positive
// entitlement delta as a bonus transaction. Invoked by the payment webhook
// collaborator; retried webhook deliveries in the same cap period are
// idempotent via the bonus transaction key.
func (a *Allocator) GrantTierCredits(ctx context.Context, accountKey, newTier string) (string, error) {
	account, errAccount := a.store.Account(ctx, accountKey)
	if errAccount != nil {
		return "", errAccount
	}
	if account.Tier == newTier {
		return "", nil
	}

	delta := a.Entitlement(newTier) - a.Entitlement(account.Tier)

	if errUpdate := a.store.DB().WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", account.ID).
		Update("tier", newTier).Error; errUpdate != nil {
		return "", errUpdate
	}

	// A tier change re-provisions the free allowance immediately rather
	// than waiting for the period boundary.
	if errGrant := a.resetGrant(ctx, account.ID, newTier, account.CapPeriodStart); errGrant != nil {
		return "", errGrant
	}

	if delta <= 0 {
		return "", nil
	}

	idempotencyKey := fmt.Sprintf("tier-%s-%s-%s", accountKey, newTier, account.CapPeriodStart.UTC().Format("2006-01-02"))
	result, errCredit := a.store.Credit(ctx, accountKey, delta, models.TransactionBonus, "allocator", idempotencyKey, "")
	if errCredit != nil {
		return "", errCredit
	}
	return result.TransactionID, nil
}

// GrantFreeMonthly resets the account's free allowance for a new period:
// consumed returns to zero and allocated is taken from the active pricing
// rule for the account's tier. Unused allowance is forfeited.
func (a *Allocator) GrantFreeMonthly(ctx context.Context, accountID uint64) error {
	var account models.Account
	if errFind := a.store.DB().WithContext(ctx).
		First(&account, accountID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ledger.ErrAccountNotFound
		}
		return errFind
	}
	return a.resetGrant(ctx, account.ID, account.Tier, a.now())
}

// resetGrant writes the grant row for a period start.
func (a *Allocator) resetGrant(ctx context.Context, accountID uint64, tier string, periodStart time.Time) error {
	allowance := a.engine.FreeMonthlyAllowance(tier)

	res := a.store.DB().WithContext(ctx).
		Model(&models.FreeCreditGrant{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"allocated_micros": allowance,
			"consumed_micros":  0,
			"period_start":     periodStart.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		grant := models.FreeCreditGrant{
			AccountID:       accountID,
			PeriodStart:     periodStart.UTC(),
			AllocatedMicros: allowance,
		}
		return a.store.DB().WithContext(ctx).Create(&grant).Error
	}
	return nil
}

// Start launches the period sweep loop.
func (a *Allocator) Start(ctx context.Context) {
	go a.run(ctx)
	log.Infof("allocator period sweep started (interval=%s)", a.interval)
}

func (a *Allocator) run(ctx context.Context) {
	for {
		if errSweep := a.SweepPeriods(ctx); errSweep != nil {
			log.WithError(errSweep).Warn("allocator: period sweep failed")
		}
		timer := time.NewTimer(a.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// SweepPeriods advances cap_period_start for every account whose rolling
// window has elapsed and resets its free grant. Multiple elapsed windows
// advance in whole steps so the anchor never drifts.
func (a *Allocator) SweepPeriods(ctx context.Context) error {
	now := a.now()
	cutoff := now.Add(-PeriodLength)

	var accounts []models.Account
	if errFind := a.store.DB().WithContext(ctx).
		Where("cap_period_start <= ?", cutoff).
		Find(&accounts).Error; errFind != nil {
		return errFind
	}

	for i := range accounts {
		account := &accounts[i]
		start := account.CapPeriodStart.UTC()
		for !start.After(cutoff) {
			start = start.Add(PeriodLength)
		}

		if errUpdate := a.store.DB().WithContext(ctx).
			Model(&models.Account{}).
			Where("id = ? AND cap_period_start = ?", account.ID, account.CapPeriodStart).
			Update("cap_period_start", start).Error; errUpdate != nil {
			return errUpdate
		}
		if errGrant := a.resetGrant(ctx, account.ID, account.Tier, start); errGrant != nil {
			return errGrant
		}

		log.WithFields(log.Fields{
			"account":      account.AccountKey,
			"period_start": start,
		}).Info("allocator: cap period advanced")
	}
	return nil
}
