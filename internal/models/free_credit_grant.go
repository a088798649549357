package models

import "time"

// FreeCreditGrant tracks the bundled monthly allowance for one account.
// Consumed never exceeds Allocated; the allocator resets both at each cap
// period boundary. Unused allowance does not roll over.
type FreeCreditGrant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID   uint64    `gorm:"not null;uniqueIndex"` // Owning account.
	PeriodStart time.Time `gorm:"not null"`             // Start of the grant period.

	AllocatedMicros int64 `gorm:"not null;default:0"` // Allowance for the period.
	ConsumedMicros  int64 `gorm:"not null;default:0"` // Allowance already spent.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
