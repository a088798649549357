package ledger

import "errors"

// Ledger errors surfaced to callers. Balance and cap failures are
// user-recoverable; conflicts are retried internally and only surface as
// ErrRetryExceeded once attempts are exhausted.
var (
	// ErrAccountNotFound indicates no account exists for the given key.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrAccountExists indicates an account key is already registered.
	ErrAccountExists = errors.New("ledger: account already exists")
	// ErrInsufficientBalance indicates the paid balance cannot cover a debit.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrConflict indicates a lost optimistic-lock race on the account row.
	ErrConflict = errors.New("ledger: version conflict")
	// ErrRetryExceeded indicates conflict retries were exhausted.
	ErrRetryExceeded = errors.New("ledger: retry attempts exceeded")
	// ErrInvalidAmount indicates a non-positive mutation amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrMissingIdempotencyKey indicates a debit without an idempotency key.
	ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")
)
