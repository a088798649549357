package models

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

// TransactionType constants cover every balance mutation source.
const (
	// TransactionDebit is a usage charge.
	TransactionDebit TransactionType = "debit"
	// TransactionCredit is a top-up or allocation.
	TransactionCredit TransactionType = "credit"
	// TransactionRefund is a compensating credit for a committed debit.
	TransactionRefund TransactionType = "refund"
	// TransactionBonus is a tier entitlement grant.
	TransactionBonus TransactionType = "bonus"
)

// CreditTransaction is one immutable ledger entry. Rows are append-only:
// corrections are new refund/bonus rows, never in-place edits.
type CreditTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TransactionID string `gorm:"type:text;not null;uniqueIndex"`                  // Public transaction UUID.
	AccountID     uint64 `gorm:"not null;index;index:idx_tx_account_idem,unique"` // Owning account.

	Type TransactionType `gorm:"type:text;not null;index"` // Entry type.

	// AmountMicros is signed: negative for debits, positive for credits.
	// The sum of all rows for an account equals its stored balance.
	AmountMicros       int64 `gorm:"not null"`
	BalanceAfterMicros int64 `gorm:"not null"` // Paid balance after this entry.

	// FreeMicros is the portion of a debit satisfied from the free monthly
	// grant. It does not touch the paid balance.
	FreeMicros int64 `gorm:"not null;default:0"`

	Provider   string `gorm:"type:text;index"` // Upstream provider, for debits.
	Model      string `gorm:"type:text;index"` // Model name, for debits.
	PowerLevel string `gorm:"type:text;index"` // Power level, for debits.

	RuleID *uint64 `gorm:"index"` // Pricing rule snapshot used at charge time.

	IdempotencyKey string `gorm:"type:text;not null;index:idx_tx_account_idem,unique"` // Caller idempotency token.
	Source         string `gorm:"type:text"`                                           // Origin marker (gateway, allocator, admin).

	// RefundOf links a refund row to the transaction it compensates.
	RefundOf string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Commit timestamp.
}

// TableName overrides the default table name.
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
