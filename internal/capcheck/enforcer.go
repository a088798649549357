package capcheck

import (
	"context"
	"errors"

	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
)

// ErrCapExceeded indicates a debit would push cumulative spend past the
// account's monthly cap. The check runs before any mutation: cap failures
// reject the billable action upstream, they are never charged then refunded.
var ErrCapExceeded = errors.New("capcheck: monthly cap exceeded")

// Enforcer pre-checks debits against the account's monthly spend cap.
type Enforcer struct {
	store *ledger.Store
}

// NewEnforcer constructs an Enforcer over the ledger store.
func NewEnforcer(store *ledger.Store) *Enforcer {
	return &Enforcer{store: store}
}

// Check sums debits since the cap period start and rejects the additional
// amount when it would exceed the cap. A zero cap means uncapped. Reaching
// the cap exactly is allowed; the next positive amount is not.
func (e *Enforcer) Check(ctx context.Context, account *models.Account, additionalMicros int64) error {
	if account == nil {
		return ledger.ErrAccountNotFound
	}
	if account.MonthlyCapMicros <= 0 || additionalMicros <= 0 {
		return nil
	}

	cumulative, errSum := e.store.SumDebitsSince(ctx, account.ID, account.CapPeriodStart)
	if errSum != nil {
		return errSum
	}

	if cumulative+additionalMicros > account.MonthlyCapMicros {
		return ErrCapExceeded
	}
	return nil
}
