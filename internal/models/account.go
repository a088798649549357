package models

import "time"

// Tier identifiers known to the allocator. Pricing rules may reference
// additional tiers without code changes.
const (
	// TierFree is the default tier for new accounts.
	TierFree = "free"
	// TierStarter is the entry paid tier.
	TierStarter = "starter"
	// TierPro is the full paid tier.
	TierPro = "pro"
)

// Account holds the prepaid credit balance for a single billing subject.
// Balance and version are mutated only through the ledger's atomic
// debit/credit operations.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountKey string `gorm:"type:text;not null;uniqueIndex"` // External account identifier.
	Tier       string `gorm:"type:text;not null;index"`       // Active tier name.

	BalanceMicros int64  `gorm:"not null;default:0"` // Paid balance in micro-credits.
	Version       uint64 `gorm:"not null;default:0"` // Optimistic lock counter.

	MonthlyCapMicros int64     `gorm:"not null;default:0"` // Monthly spend cap, 0 = uncapped.
	CapPeriodStart   time.Time `gorm:"not null"`           // Start of the current cap period.

	Unlimited bool `gorm:"not null;default:false"` // Whether balance checks are skipped.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
