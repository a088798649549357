package ledger

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/outbox"
)

const (
	// maxDebitAttempts bounds optimistic-lock retries before surfacing
	// ErrRetryExceeded.
	maxDebitAttempts = 3
	// retryBaseDelay is the backoff unit between conflict retries; actual
	// delay is jittered.
	retryBaseDelay = 20 * time.Millisecond
)

// Store owns all balance mutations. Every mutation runs as a single database
// transaction that re-validates the balance, compare-and-swaps the account
// version, advances the free grant, appends the immutable ledger entry, and
// records the outbox event. Nothing mutates an account row outside this type.
type Store struct {
	db         *gorm.DB
	now        func() time.Time
	invalidate func(ctx context.Context, accountKey string)
}

// NewStore constructs a Store backed by GORM.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetInvalidator registers the cache invalidation hook called synchronously
// after every committed mutation.
func (s *Store) SetInvalidator(fn func(ctx context.Context, accountKey string)) {
	s.invalidate = fn
}

// afterMutation runs the invalidation hook for a committed mutation.
func (s *Store) afterMutation(ctx context.Context, accountKey string) {
	if s.invalidate != nil {
		s.invalidate(ctx, accountKey)
	}
}

// DB exposes the underlying connection for read-only collaborators.
func (s *Store) DB() *gorm.DB { return s.db }

// DebitRequest describes one usage charge.
type DebitRequest struct {
	// AmountMicros is the total charge, free portion included.
	AmountMicros int64
	// UseFreeGrant consumes the free monthly allowance before paid balance.
	// The split is computed inside the debit transaction so consumed never
	// exceeds allocated under concurrency.
	UseFreeGrant bool

	Provider   string
	Model      string
	PowerLevel string
	RuleID     *uint64

	IdempotencyKey string
	Source         string
}

// DebitResult reports the outcome of a debit.
type DebitResult struct {
	TransactionID      string
	ChargedMicros      int64 // Portion taken from paid balance.
	FreeMicros         int64 // Portion taken from the free grant.
	BalanceAfterMicros int64
	Duplicate          bool // True when an idempotency replay returned the prior result.
}

// CreditResult reports the outcome of a credit, refund, or bonus.
type CreditResult struct {
	TransactionID      string
	BalanceAfterMicros int64
	Duplicate          bool
}

// CreateAccount registers a new account. Called by the external identity
// collaborator on first tier assignment.
func (s *Store) CreateAccount(ctx context.Context, accountKey, tier string, monthlyCapMicros int64) (*models.Account, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, errors.New("ledger: empty account key")
	}
	if strings.TrimSpace(tier) == "" {
		tier = models.TierFree
	}

	now := s.now()
	account := models.Account{
		AccountKey:       accountKey,
		Tier:             tier,
		MonthlyCapMicros: monthlyCapMicros,
		CapPeriodStart:   now,
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&account).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				return ErrAccountExists
			}
			return errCreate
		}
		grant := models.FreeCreditGrant{
			AccountID:   account.ID,
			PeriodStart: now,
		}
		return tx.Create(&grant).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	return &account, nil
}

// Account loads an account by key.
func (s *Store) Account(ctx context.Context, accountKey string) (*models.Account, error) {
	var account models.Account
	errFind := s.db.WithContext(ctx).
		Where("account_key = ?", strings.TrimSpace(accountKey)).
		First(&account).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, errFind
	}
	return &account, nil
}

// BalanceMicros returns the authoritative paid balance for an account.
// Satisfies the cache's read-through source interface.
func (s *Store) BalanceMicros(ctx context.Context, accountKey string) (int64, error) {
	account, errAccount := s.Account(ctx, accountKey)
	if errAccount != nil {
		return 0, errAccount
	}
	return account.BalanceMicros, nil
}

// Grant loads the free credit grant for an account ID.
func (s *Store) Grant(ctx context.Context, accountID uint64) (*models.FreeCreditGrant, error) {
	var grant models.FreeCreditGrant
	errFind := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&grant).Error
	if errFind != nil {
		return nil, errFind
	}
	return &grant, nil
}

// Debit charges an account. The free/paid split, balance check, version CAS,
// and ledger append commit atomically; a replayed idempotency key returns the
// prior result without mutating anything. Conflicts are retried with jittered
// backoff up to maxDebitAttempts before ErrRetryExceeded.
func (s *Store) Debit(ctx context.Context, accountKey string, req DebitRequest) (DebitResult, error) {
	if req.AmountMicros <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return DebitResult{}, ErrMissingIdempotencyKey
	}

	for attempt := 0; attempt < maxDebitAttempts; attempt++ {
		if attempt > 0 {
			sleepWithJitter(ctx, attempt)
		}
		result, errOnce := s.debitOnce(ctx, accountKey, req)
		if errOnce == nil {
			if !result.Duplicate {
				s.afterMutation(ctx, accountKey)
			}
			return result, nil
		}
		if !errors.Is(errOnce, ErrConflict) {
			return DebitResult{}, errOnce
		}
	}

	log.WithField("account", accountKey).Warn("ledger: debit retries exhausted")
	return DebitResult{}, ErrRetryExceeded
}

// debitOnce runs a single optimistic debit attempt.
func (s *Store) debitOnce(ctx context.Context, accountKey string, req DebitRequest) (DebitResult, error) {
	var result DebitResult

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if errFind := tx.Where("account_key = ?", strings.TrimSpace(accountKey)).
			First(&account).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return errFind
		}

		if prior, found, errPrior := priorTransaction(tx, account.ID, req.IdempotencyKey); errPrior != nil {
			return errPrior
		} else if found {
			result = DebitResult{
				TransactionID:      prior.TransactionID,
				ChargedMicros:      -prior.AmountMicros,
				FreeMicros:         prior.FreeMicros,
				BalanceAfterMicros: prior.BalanceAfterMicros,
				Duplicate:          true,
			}
			return nil
		}

		freeMicros := int64(0)
		if req.UseFreeGrant {
			var grant models.FreeCreditGrant
			errGrant := tx.Where("account_id = ?", account.ID).First(&grant).Error
			if errGrant != nil && !errors.Is(errGrant, gorm.ErrRecordNotFound) {
				return errGrant
			}
			if errGrant == nil {
				remaining := grant.AllocatedMicros - grant.ConsumedMicros
				if remaining > 0 {
					freeMicros = min(remaining, req.AmountMicros)
				}
			}
		}
		paidMicros := req.AmountMicros - freeMicros

		if !account.Unlimited && account.BalanceMicros < paidMicros {
			return ErrInsufficientBalance
		}
		newBalance := account.BalanceMicros - paidMicros

		res := tx.Model(&models.Account{}).
			Where("id = ? AND version = ?", account.ID, account.Version).
			Updates(map[string]any{
				"balance_micros": newBalance,
				"version":        account.Version + 1,
				"updated_at":     s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		if freeMicros > 0 {
			// Guarded increment: the WHERE clause re-checks headroom so a
			// concurrent consumer can never push consumed past allocated.
			resGrant := tx.Model(&models.FreeCreditGrant{}).
				Where("account_id = ? AND consumed_micros + ? <= allocated_micros", account.ID, freeMicros).
				UpdateColumn("consumed_micros", gorm.Expr("consumed_micros + ?", freeMicros))
			if resGrant.Error != nil {
				return resGrant.Error
			}
			if resGrant.RowsAffected == 0 {
				return ErrConflict
			}
		}

		entry := models.CreditTransaction{
			TransactionID:      uuid.NewString(),
			AccountID:          account.ID,
			Type:               models.TransactionDebit,
			AmountMicros:       -paidMicros,
			BalanceAfterMicros: newBalance,
			FreeMicros:         freeMicros,
			Provider:           req.Provider,
			Model:              req.Model,
			PowerLevel:         req.PowerLevel,
			RuleID:             req.RuleID,
			IdempotencyKey:     req.IdempotencyKey,
			Source:             req.Source,
			CreatedAt:          s.now(),
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				// A concurrent replay won the insert; retry so the
				// pre-check returns its result.
				return ErrConflict
			}
			return errCreate
		}

		if errOutbox := outbox.Append(tx, "credit.debited", outbox.DebitPayload{
			AccountKey:    account.AccountKey,
			TransactionID: entry.TransactionID,
			AmountMicros:  req.AmountMicros,
			FreeMicros:    freeMicros,
			Provider:      req.Provider,
			Model:         req.Model,
		}); errOutbox != nil {
			return errOutbox
		}

		result = DebitResult{
			TransactionID:      entry.TransactionID,
			ChargedMicros:      paidMicros,
			FreeMicros:         freeMicros,
			BalanceAfterMicros: newBalance,
		}
		return nil
	})
	if errTx != nil {
		return DebitResult{}, errTx
	}
	return result, nil
}

// Credit adds funds to an account as a credit, refund, or bonus. It always
// succeeds for an existing account. An empty idempotency key gets a generated
// one; refunds reference the transaction they compensate.
func (s *Store) Credit(ctx context.Context, accountKey string, amountMicros int64, txType models.TransactionType, source, idempotencyKey, refundOf string) (CreditResult, error) {
	if amountMicros <= 0 {
		return CreditResult{}, ErrInvalidAmount
	}
	switch txType {
	case models.TransactionCredit, models.TransactionRefund, models.TransactionBonus:
	default:
		return CreditResult{}, errors.New("ledger: invalid credit type")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = "credit-" + uuid.NewString()
	}

	for attempt := 0; attempt < maxDebitAttempts; attempt++ {
		if attempt > 0 {
			sleepWithJitter(ctx, attempt)
		}
		result, errOnce := s.creditOnce(ctx, accountKey, amountMicros, txType, source, idempotencyKey, refundOf)
		if errOnce == nil {
			if !result.Duplicate {
				s.afterMutation(ctx, accountKey)
			}
			return result, nil
		}
		if !errors.Is(errOnce, ErrConflict) {
			return CreditResult{}, errOnce
		}
	}
	return CreditResult{}, ErrRetryExceeded
}

// creditOnce runs a single optimistic credit attempt.
func (s *Store) creditOnce(ctx context.Context, accountKey string, amountMicros int64, txType models.TransactionType, source, idempotencyKey, refundOf string) (CreditResult, error) {
	var result CreditResult

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if errFind := tx.Where("account_key = ?", strings.TrimSpace(accountKey)).
			First(&account).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return errFind
		}

		if prior, found, errPrior := priorTransaction(tx, account.ID, idempotencyKey); errPrior != nil {
			return errPrior
		} else if found {
			result = CreditResult{
				TransactionID:      prior.TransactionID,
				BalanceAfterMicros: prior.BalanceAfterMicros,
				Duplicate:          true,
			}
			return nil
		}

		newBalance := account.BalanceMicros + amountMicros
		res := tx.Model(&models.Account{}).
			Where("id = ? AND version = ?", account.ID, account.Version).
			Updates(map[string]any{
				"balance_micros": newBalance,
				"version":        account.Version + 1,
				"updated_at":     s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		entry := models.CreditTransaction{
			TransactionID:      uuid.NewString(),
			AccountID:          account.ID,
			Type:               txType,
			AmountMicros:       amountMicros,
			BalanceAfterMicros: newBalance,
			IdempotencyKey:     idempotencyKey,
			Source:             source,
			RefundOf:           refundOf,
			CreatedAt:          s.now(),
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return errCreate
		}

		if errOutbox := outbox.Append(tx, "credit.credited", outbox.CreditPayload{
			AccountKey:    account.AccountKey,
			TransactionID: entry.TransactionID,
			AmountMicros:  amountMicros,
			Type:          string(txType),
		}); errOutbox != nil {
			return errOutbox
		}

		result = CreditResult{
			TransactionID:      entry.TransactionID,
			BalanceAfterMicros: newBalance,
		}
		return nil
	})
	if errTx != nil {
		return CreditResult{}, errTx
	}
	return result, nil
}

// Refund issues a compensating credit for a committed debit, used when a
// downstream action fails after the charge is already in the audit trail.
func (s *Store) Refund(ctx context.Context, accountKey string, amountMicros int64, originalTransactionID, source string) (CreditResult, error) {
	idempotencyKey := "refund-" + strings.TrimSpace(originalTransactionID)
	return s.Credit(ctx, accountKey, amountMicros, models.TransactionRefund, source, idempotencyKey, originalTransactionID)
}

// PriorTransaction returns the committed transaction recorded for an
// idempotency key, if any. Callers resolving replays consult it before
// running admission checks the original request already passed.
func (s *Store) PriorTransaction(ctx context.Context, accountID uint64, idempotencyKey string) (*models.CreditTransaction, bool, error) {
	return priorTransaction(s.db.WithContext(ctx), accountID, idempotencyKey)
}

// priorTransaction returns the committed transaction for an idempotency key.
func priorTransaction(tx *gorm.DB, accountID uint64, idempotencyKey string) (*models.CreditTransaction, bool, error) {
	var prior models.CreditTransaction
	errFind := tx.Where("account_id = ? AND idempotency_key = ?", accountID, strings.TrimSpace(idempotencyKey)).
		First(&prior).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, errFind
	}
	return &prior, true, nil
}

// sleepWithJitter waits before the next conflict retry, honoring cancellation.
func sleepWithJitter(ctx context.Context, attempt int) {
	delay := retryBaseDelay*time.Duration(attempt) + time.Duration(rand.Intn(20))*time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
