package models

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxEvent is a best-effort side effect recorded in the same database
// transaction as the ledger mutation that produced it. A background
// dispatcher delivers events after commit; ledger correctness never waits
// on delivery.
type OutboxEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID string `gorm:"type:text;not null;uniqueIndex"` // Public event UUID.
	Kind    string `gorm:"type:text;not null;index"`       // Event kind, e.g. credit.debited.

	Payload datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Event payload.

	Dispatched   bool       `gorm:"not null;default:false;index"` // Whether delivery succeeded.
	DispatchedAt *time.Time // Delivery time, if dispatched.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
