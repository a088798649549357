package metering

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/metermint/creditledger/internal/capcheck"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/pricing"
)

// BillableEvent is one metered usage event from the usage-producing gateway.
type BillableEvent struct {
	AccountKey     string `json:"account_key"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	PowerLevel     string `json:"power_level"`
	BYOK           bool   `json:"byok"`
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source"`
}

// ChargeResult is the outcome of a billable event.
type ChargeResult struct {
	TransactionID      string  `json:"transaction_id"`
	BaseMicros         int64   `json:"base_micros"`
	MarkupMicros       int64   `json:"markup_micros"`
	FinalMicros        int64   `json:"final_micros"`
	ChargedMicros      int64   `json:"charged_micros"`
	FreeMicros         int64   `json:"free_micros"`
	BalanceAfterMicros int64   `json:"balance_after_micros"`
	RuleID             *uint64 `json:"rule_id,omitempty"`
	Duplicate          bool    `json:"duplicate"`
}

// Gateway orchestrates one billable event: cost resolution, cap pre-check,
// atomic debit with free-grant split, then cache invalidation (performed by
// the store's mutation hook). All currency-affecting checks run before the
// mutation; infra failures fail closed.
type Gateway struct {
	store    *ledger.Store
	engine   *pricing.Engine
	enforcer *capcheck.Enforcer
}

// NewGateway constructs a Gateway.
func NewGateway(store *ledger.Store, engine *pricing.Engine, enforcer *capcheck.Enforcer) *Gateway {
	return &Gateway{store: store, engine: engine, enforcer: enforcer}
}

// Charge prices and debits one billable event. Zero-cost events (no tokens)
// return an empty result without touching the ledger.
func (g *Gateway) Charge(ctx context.Context, event BillableEvent) (ChargeResult, error) {
	accountKey := strings.TrimSpace(event.AccountKey)
	if accountKey == "" {
		return ChargeResult{}, ledger.ErrAccountNotFound
	}
	if strings.TrimSpace(event.IdempotencyKey) == "" {
		return ChargeResult{}, ledger.ErrMissingIdempotencyKey
	}

	account, errAccount := g.store.Account(ctx, accountKey)
	if errAccount != nil {
		return ChargeResult{}, errAccount
	}

	// Replays resolve to the stored transaction before pricing and cap
	// admission run: the replay reports what was actually charged, and a
	// cap reached since the original commit never blocks the confirmation.
	if prior, found, errPrior := g.store.PriorTransaction(ctx, account.ID, event.IdempotencyKey); errPrior != nil {
		return ChargeResult{}, errPrior
	} else if found {
		logReplay(accountKey, event.IdempotencyKey, prior.TransactionID)
		return replayedResult(prior), nil
	}

	quote, errQuote := g.engine.Calculate(ctx, pricing.Request{
		Provider:     event.Provider,
		Model:        event.Model,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		Tier:         account.Tier,
		BYOK:         event.BYOK,
		PowerLevel:   event.PowerLevel,
	})
	if errQuote != nil && !errors.Is(errQuote, pricing.ErrRuleNotFound) {
		return ChargeResult{}, errQuote
	}

	result := ChargeResult{
		BaseMicros:   quote.BaseMicros,
		MarkupMicros: quote.MarkupMicros,
		FinalMicros:  quote.FinalMicros,
		RuleID:       quote.RuleID,
	}
	if quote.FinalMicros <= 0 {
		return result, nil
	}

	if errCap := g.enforcer.Check(ctx, account, quote.FinalMicros); errCap != nil {
		return ChargeResult{}, errCap
	}

	debit, errDebit := g.store.Debit(ctx, accountKey, ledger.DebitRequest{
		AmountMicros:   quote.FinalMicros,
		UseFreeGrant:   event.BYOK,
		Provider:       event.Provider,
		Model:          event.Model,
		PowerLevel:     event.PowerLevel,
		RuleID:         quote.RuleID,
		IdempotencyKey: event.IdempotencyKey,
		Source:         event.Source,
	})
	if errDebit != nil {
		return ChargeResult{}, errDebit
	}

	if debit.Duplicate {
		// A concurrent replay slipped past the pre-check; still report
		// the stored amounts, not the fresh quote.
		logReplay(accountKey, event.IdempotencyKey, debit.TransactionID)
		return ChargeResult{
			TransactionID:      debit.TransactionID,
			FinalMicros:        debit.ChargedMicros + debit.FreeMicros,
			ChargedMicros:      debit.ChargedMicros,
			FreeMicros:         debit.FreeMicros,
			BalanceAfterMicros: debit.BalanceAfterMicros,
			Duplicate:          true,
		}, nil
	}

	result.TransactionID = debit.TransactionID
	result.ChargedMicros = debit.ChargedMicros
	result.FreeMicros = debit.FreeMicros
	result.BalanceAfterMicros = debit.BalanceAfterMicros
	return result, nil
}

// replayedResult rebuilds the charge response from the stored transaction so
// a replay reports the amounts committed at charge time, regardless of the
// rules in force now.
func replayedResult(prior *models.CreditTransaction) ChargeResult {
	paid := -prior.AmountMicros
	return ChargeResult{
		TransactionID:      prior.TransactionID,
		FinalMicros:        paid + prior.FreeMicros,
		ChargedMicros:      paid,
		FreeMicros:         prior.FreeMicros,
		BalanceAfterMicros: prior.BalanceAfterMicros,
		RuleID:             prior.RuleID,
		Duplicate:          true,
	}
}

func logReplay(accountKey, idempotencyKey, transactionID string) {
	log.WithFields(log.Fields{
		"account":        accountKey,
		"idempotency":    idempotencyKey,
		"transaction_id": transactionID,
	}).Info("metering: duplicate event replayed")
}

// Compensate refunds a committed charge after a downstream failure. The
// original debit stays in the audit trail; the refund is a new entry.
func (g *Gateway) Compensate(ctx context.Context, accountKey, transactionID string, amountMicros int64) (string, error) {
	result, errRefund := g.store.Refund(ctx, accountKey, amountMicros, transactionID, "metering")
	if errRefund != nil {
		return "", errRefund
	}
	return result.TransactionID, nil
}
