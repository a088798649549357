package db

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
)

// Migrate creates or updates the ledger schema and seeds the system default
// pricing rule when no rule exists yet. A missing default rule would force
// every charge through the RuleNotFound fallback path.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("db: nil connection")
	}

	if errAuto := conn.AutoMigrate(
		&models.Account{},
		&models.CreditTransaction{},
		&models.PricingRule{},
		&models.FreeCreditGrant{},
		&models.OutboxEvent{},
		&models.Admin{},
	); errAuto != nil {
		return errAuto
	}

	return seedDefaultPricingRule(conn)
}

// The seeded token prices deliberately overprice. A deployment that never
// configures its own rules still meters every token; operators supersede the
// seed with per-provider prices.
const (
	seedInputPricePer1KMicros  = 1_000_000 // one credit per 1K input tokens
	seedOutputPricePer1KMicros = 3_000_000 // three credits per 1K output tokens
)

// seedDefaultPricingRule inserts the catch-all platform rule on first boot.
func seedDefaultPricingRule(conn *gorm.DB) error {
	var count int64
	if errCount := conn.Model(&models.PricingRule{}).Count(&count).Error; errCount != nil {
		return errCount
	}
	if count > 0 {
		return nil
	}

	rule := models.PricingRule{
		Scope:                  models.ScopePlatform,
		Provider:               "",
		Tier:                   "",
		MarkupType:             models.MarkupPercentage,
		MarkupValue:            0.25,
		InputPricePer1KMicros:  seedInputPricePer1KMicros,
		OutputPricePer1KMicros: seedOutputPricePer1KMicros,
		ActiveFrom:             time.Now().UTC(),
		IsEnabled:              true,
	}
	return conn.Create(&rule).Error
}
