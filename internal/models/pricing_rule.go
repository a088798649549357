package models

import (
	"time"

	"gorm.io/datatypes"
)

// RuleScope selects which request population a pricing rule applies to.
type RuleScope string

// RuleScope constants.
const (
	// ScopePlatform applies to requests billed through platform credentials.
	ScopePlatform RuleScope = "platform"
	// ScopeBYOK applies to requests using caller-supplied provider keys.
	ScopeBYOK RuleScope = "byok"
)

// MarkupType selects how markup_value transforms the base cost.
type MarkupType string

// MarkupType constants.
const (
	// MarkupPercentage charges base * (1 + value).
	MarkupPercentage MarkupType = "percentage"
	// MarkupFixed charges base + value credits.
	MarkupFixed MarkupType = "fixed"
	// MarkupMultiplier charges base * value.
	MarkupMultiplier MarkupType = "multiplier"
)

// PricingRule defines cost resolution for a provider/tier combination.
// Rules are versioned: an edit inserts a new row and disables the old one,
// so historical debits keep a valid snapshot reference.
type PricingRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Scope    RuleScope `gorm:"type:text;not null;index"` // Request population.
	Provider string    `gorm:"type:text;index"`          // Provider filter, empty = any.
	Tier     string    `gorm:"type:text;index"`          // Tier filter, empty = any.

	MarkupType  MarkupType `gorm:"type:text;not null"`           // Markup strategy.
	MarkupValue float64    `gorm:"type:decimal(20,10);not null"` // Markup parameter.

	// PowerLevelMultipliers maps power level name to cost multiplier,
	// e.g. {"eco": 0.8, "balanced": 1.0, "precision": 1.5}.
	PowerLevelMultipliers datatypes.JSON `gorm:"type:jsonb"`

	InputPricePer1KMicros  int64 `gorm:"not null;default:0"` // Base input token price per 1K.
	OutputPricePer1KMicros int64 `gorm:"not null;default:0"` // Base output token price per 1K.

	FreeMonthlyAllowanceMicros int64 `gorm:"not null;default:0"` // Monthly free grant for matching accounts.

	IsEnabled  bool      `gorm:"not null;default:true;index"` // Whether the rule is active.
	ActiveFrom time.Time `gorm:"not null"`                    // Activation time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
