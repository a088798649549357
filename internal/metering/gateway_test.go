package metering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/capcheck"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/pricing"
)

// setupGateway wires the full charge path over an in-memory database with a
// single no-markup rule pricing one credit per 1K input tokens.
func setupGateway(t *testing.T) (*Gateway, *ledger.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:metering_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(
		&models.Account{},
		&models.CreditTransaction{},
		&models.FreeCreditGrant{},
		&models.OutboxEvent{},
	); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	store := ledger.NewStore(conn)
	snapshot := pricing.NewRuleSnapshot(nil)
	snapshot.Store([]models.PricingRule{
		{
			ID:                    1,
			Scope:                 models.ScopePlatform,
			MarkupType:            models.MarkupPercentage,
			MarkupValue:           0,
			InputPricePer1KMicros: pricing.MicrosPerCredit,
			IsEnabled:             true,
		},
	})
	engine := pricing.NewEngine(snapshot)
	return NewGateway(store, engine, capcheck.NewEnforcer(store)), store
}

func seedAccount(t *testing.T, store *ledger.Store, balanceMicros, capMicros int64) *models.Account {
	t.Helper()
	account, errCreate := store.CreateAccount(context.Background(), "acct-1", models.TierPro, capMicros)
	if errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	if balanceMicros > 0 {
		if _, errCredit := store.Credit(context.Background(), "acct-1", balanceMicros, models.TransactionCredit, "test", "", ""); errCredit != nil {
			t.Fatalf("seed balance: %v", errCredit)
		}
	}
	return account
}

func TestChargeDebitsPricedAmount(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	result, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    3000,
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if result.FinalMicros != 3*pricing.MicrosPerCredit {
		t.Fatalf("expected 3 credit charge, got %d", result.FinalMicros)
	}
	if result.ChargedMicros != 3*pricing.MicrosPerCredit {
		t.Fatalf("expected full amount from paid balance, got %d", result.ChargedMicros)
	}
	if result.BalanceAfterMicros != 7*pricing.MicrosPerCredit {
		t.Fatalf("expected balance 7 credits, got %d", result.BalanceAfterMicros)
	}
	if result.TransactionID == "" {
		t.Fatal("missing transaction id")
	}
	if result.RuleID == nil || *result.RuleID != 1 {
		t.Fatalf("expected rule 1 recorded, got %v", result.RuleID)
	}
}

func TestChargeAppliesPercentageMarkup(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 100*pricing.MicrosPerCredit, 0)

	rule := models.PricingRule{
		ID:                    2,
		Scope:                 models.ScopePlatform,
		MarkupType:            models.MarkupPercentage,
		MarkupValue:           0.10,
		InputPricePer1KMicros: pricing.MicrosPerCredit,
		IsEnabled:             true,
	}
	snapshot := pricing.NewRuleSnapshot(nil)
	snapshot.Store([]models.PricingRule{rule})
	gateway.engine = pricing.NewEngine(snapshot)

	result, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    10_000,
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if result.BaseMicros != 10*pricing.MicrosPerCredit {
		t.Fatalf("expected base 10 credits, got %d", result.BaseMicros)
	}
	if result.FinalMicros != 11*pricing.MicrosPerCredit {
		t.Fatalf("expected 11 credits after markup, got %d", result.FinalMicros)
	}
	if result.BalanceAfterMicros != 89*pricing.MicrosPerCredit {
		t.Fatalf("expected balance 89 credits, got %d", result.BalanceAfterMicros)
	}
}

func TestChargeSplitsAcrossFreeGrantForBYOK(t *testing.T) {
	gateway, store := setupGateway(t)
	account := seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	if errGrant := store.DB().Model(&models.FreeCreditGrant{}).
		Where("account_id = ?", account.ID).
		Update("allocated_micros", 5*pricing.MicrosPerCredit).Error; errGrant != nil {
		t.Fatalf("seed grant: %v", errGrant)
	}

	result, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    8000,
		BYOK:           true,
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if result.FreeMicros != 5*pricing.MicrosPerCredit {
		t.Fatalf("expected 5 credits from the free grant, got %d", result.FreeMicros)
	}
	if result.ChargedMicros != 3*pricing.MicrosPerCredit {
		t.Fatalf("expected 3 credits from paid balance, got %d", result.ChargedMicros)
	}
	if result.BalanceAfterMicros != 7*pricing.MicrosPerCredit {
		t.Fatalf("expected balance 7 credits, got %d", result.BalanceAfterMicros)
	}

	grant, errLoad := store.Grant(context.Background(), account.ID)
	if errLoad != nil {
		t.Fatalf("load grant: %v", errLoad)
	}
	if grant.ConsumedMicros != 5*pricing.MicrosPerCredit {
		t.Fatalf("expected allowance fully consumed, got %d", grant.ConsumedMicros)
	}
}

func TestChargePlatformEventIgnoresFreeGrant(t *testing.T) {
	gateway, store := setupGateway(t)
	account := seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	if errGrant := store.DB().Model(&models.FreeCreditGrant{}).
		Where("account_id = ?", account.ID).
		Update("allocated_micros", 5*pricing.MicrosPerCredit).Error; errGrant != nil {
		t.Fatalf("seed grant: %v", errGrant)
	}

	result, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    2000,
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if result.FreeMicros != 0 {
		t.Fatalf("platform usage must not consume the allowance, got %d", result.FreeMicros)
	}
	if result.ChargedMicros != 2*pricing.MicrosPerCredit {
		t.Fatalf("expected 2 credits from paid balance, got %d", result.ChargedMicros)
	}
}

func TestChargeRejectedByCapLeavesNoTrace(t *testing.T) {
	gateway, store := setupGateway(t)
	account := seedAccount(t, store, 10*pricing.MicrosPerCredit, 1*pricing.MicrosPerCredit)

	_, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    2000,
		IdempotencyKey: "evt-1",
	})
	if !errors.Is(errCharge, capcheck.ErrCapExceeded) {
		t.Fatalf("expected ErrCapExceeded, got %v", errCharge)
	}

	loaded, errAccount := store.Account(context.Background(), "acct-1")
	if errAccount != nil {
		t.Fatalf("load account: %v", errAccount)
	}
	if loaded.BalanceMicros != 10*pricing.MicrosPerCredit {
		t.Fatalf("cap rejection must not touch the balance, got %d", loaded.BalanceMicros)
	}

	var debits int64
	if errCount := store.DB().Model(&models.CreditTransaction{}).
		Where("account_id = ? AND type = ?", account.ID, models.TransactionDebit).
		Count(&debits).Error; errCount != nil {
		t.Fatalf("count debits: %v", errCount)
	}
	if debits != 0 {
		t.Fatalf("cap rejection must not append ledger rows, got %d", debits)
	}
}

func TestChargeZeroCostSkipsLedger(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	result, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}
	if result.FinalMicros != 0 || result.TransactionID != "" {
		t.Fatalf("zero-cost event should not reach the ledger: %+v", result)
	}
}

func TestChargeDuplicateReplay(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	event := BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    1000,
		IdempotencyKey: "evt-1",
	}
	first, errFirst := gateway.Charge(context.Background(), event)
	if errFirst != nil {
		t.Fatalf("first charge: %v", errFirst)
	}
	second, errSecond := gateway.Charge(context.Background(), event)
	if errSecond != nil {
		t.Fatalf("replayed charge: %v", errSecond)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged as duplicate")
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("replay returned a new transaction: %s vs %s", second.TransactionID, first.TransactionID)
	}

	loaded, _ := store.Account(context.Background(), "acct-1")
	if loaded.BalanceMicros != 9*pricing.MicrosPerCredit {
		t.Fatalf("replay charged twice: %d", loaded.BalanceMicros)
	}
}

func TestChargeReplayAtCapBoundary(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 10*pricing.MicrosPerCredit, 2*pricing.MicrosPerCredit)

	event := BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    2000,
		IdempotencyKey: "evt-1",
	}
	first, errFirst := gateway.Charge(context.Background(), event)
	if errFirst != nil {
		t.Fatalf("charge reaching the cap: %v", errFirst)
	}

	// The original charge used up the entire cap. Confirming it via replay
	// must still succeed.
	second, errSecond := gateway.Charge(context.Background(), event)
	if errSecond != nil {
		t.Fatalf("replay at cap boundary: %v", errSecond)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged as duplicate")
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("replay returned a new transaction: %s vs %s", second.TransactionID, first.TransactionID)
	}

	var debits int64
	if errCount := store.DB().Model(&models.CreditTransaction{}).
		Where("type = ?", models.TransactionDebit).
		Count(&debits).Error; errCount != nil {
		t.Fatalf("count debits: %v", errCount)
	}
	if debits != 1 {
		t.Fatalf("replay appended a ledger row, got %d debits", debits)
	}
}

func TestChargeReplayReportsStoredAmounts(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 100*pricing.MicrosPerCredit, 0)

	event := BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    4000,
		IdempotencyKey: "evt-1",
	}
	first, errFirst := gateway.Charge(context.Background(), event)
	if errFirst != nil {
		t.Fatalf("first charge: %v", errFirst)
	}

	// Double the price between the original charge and the replay.
	repriced := pricing.NewRuleSnapshot(nil)
	repriced.Store([]models.PricingRule{
		{
			ID:                    7,
			Scope:                 models.ScopePlatform,
			MarkupType:            models.MarkupPercentage,
			MarkupValue:           0,
			InputPricePer1KMicros: 2 * pricing.MicrosPerCredit,
			IsEnabled:             true,
		},
	})
	gateway.engine = pricing.NewEngine(repriced)

	second, errSecond := gateway.Charge(context.Background(), event)
	if errSecond != nil {
		t.Fatalf("replayed charge: %v", errSecond)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged as duplicate")
	}
	if second.FinalMicros != first.FinalMicros || second.ChargedMicros != first.ChargedMicros {
		t.Fatalf("replay reported repriced amounts: %+v vs %+v", second, first)
	}
	if second.BalanceAfterMicros != first.BalanceAfterMicros {
		t.Fatalf("replay reported a different balance: %d vs %d", second.BalanceAfterMicros, first.BalanceAfterMicros)
	}
	if second.RuleID == nil || *second.RuleID != 1 {
		t.Fatalf("replay must reference the rule recorded at charge time, got %v", second.RuleID)
	}
}

func TestChargeUnpricedUsageFailsClosed(t *testing.T) {
	gateway, store := setupGateway(t)
	account := seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	gateway.engine = pricing.NewEngine(pricing.NewRuleSnapshot(nil))

	_, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    100_000,
		IdempotencyKey: "evt-1",
	})
	if !errors.Is(errCharge, pricing.ErrUnpricedUsage) {
		t.Fatalf("expected ErrUnpricedUsage, got %v", errCharge)
	}

	loaded, errAccount := store.Account(context.Background(), "acct-1")
	if errAccount != nil {
		t.Fatalf("load account: %v", errAccount)
	}
	if loaded.BalanceMicros != 10*pricing.MicrosPerCredit {
		t.Fatalf("unpriced rejection must not touch the balance, got %d", loaded.BalanceMicros)
	}

	var rows int64
	if errCount := store.DB().Model(&models.CreditTransaction{}).
		Where("account_id = ? AND type = ?", account.ID, models.TransactionDebit).
		Count(&rows).Error; errCount != nil {
		t.Fatalf("count debits: %v", errCount)
	}
	if rows != 0 {
		t.Fatalf("unpriced rejection must not append ledger rows, got %d", rows)
	}
}

func TestChargeValidatesEvent(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 0, 0)

	if _, err := gateway.Charge(context.Background(), BillableEvent{AccountKey: "acct-1", InputTokens: 1000}); !errors.Is(err, ledger.ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
	if _, err := gateway.Charge(context.Background(), BillableEvent{AccountKey: "ghost", InputTokens: 1000, IdempotencyKey: "evt-1"}); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCompensateRefundsCommittedCharge(t *testing.T) {
	gateway, store := setupGateway(t)
	seedAccount(t, store, 10*pricing.MicrosPerCredit, 0)

	charge, errCharge := gateway.Charge(context.Background(), BillableEvent{
		AccountKey:     "acct-1",
		Provider:       "openai",
		InputTokens:    4000,
		IdempotencyKey: "evt-1",
	})
	if errCharge != nil {
		t.Fatalf("charge: %v", errCharge)
	}

	refundID, errRefund := gateway.Compensate(context.Background(), "acct-1", charge.TransactionID, charge.ChargedMicros)
	if errRefund != nil {
		t.Fatalf("compensate: %v", errRefund)
	}
	if refundID == "" || refundID == charge.TransactionID {
		t.Fatalf("refund must be a new ledger entry, got %q", refundID)
	}

	loaded, errAccount := store.Account(context.Background(), "acct-1")
	if errAccount != nil {
		t.Fatalf("load account: %v", errAccount)
	}
	if loaded.BalanceMicros != 10*pricing.MicrosPerCredit {
		t.Fatalf("expected balance restored, got %d", loaded.BalanceMicros)
	}

	// Retried compensation resolves to the same refund entry.
	again, errAgain := gateway.Compensate(context.Background(), "acct-1", charge.TransactionID, charge.ChargedMicros)
	if errAgain != nil {
		t.Fatalf("retried compensate: %v", errAgain)
	}
	if again != refundID {
		t.Fatalf("retried compensation produced a new refund: %s vs %s", again, refundID)
	}
}
