package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/metermint/creditledger/internal/allocator"
	"github.com/metermint/creditledger/internal/cache"
	"github.com/metermint/creditledger/internal/ledger"
)

// BalanceHandler serves the account balance endpoint.
type BalanceHandler struct {
	store *ledger.Store
	cache *cache.CreditCache
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(store *ledger.Store, creditCache *cache.CreditCache) *BalanceHandler {
	return &BalanceHandler{store: store, cache: creditCache}
}

// Get returns the paid balance, remaining free allowance, and cap status for
// the authenticated account. The balance is served through the credit cache;
// grant and cap fields come from the store.
func (h *BalanceHandler) Get(c *gin.Context, accountKey string) {
	account, errAccount := h.store.Account(c.Request.Context(), accountKey)
	if errAccount != nil {
		writeLedgerError(c, errAccount)
		return
	}

	balance, errBalance := h.cache.Balance(c.Request.Context(), accountKey)
	if errBalance != nil {
		writeLedgerError(c, errBalance)
		return
	}

	freeRemaining := int64(0)
	if grant, errGrant := h.store.Grant(c.Request.Context(), account.ID); errGrant == nil {
		if remaining := grant.AllocatedMicros - grant.ConsumedMicros; remaining > 0 {
			freeRemaining = remaining
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"balance_micros":                  balance,
		"free_allowance_remaining_micros": freeRemaining,
		"monthly_cap_micros":              account.MonthlyCapMicros,
		"cap_resets_at":                   account.CapPeriodStart.Add(allocator.PeriodLength).UTC(),
		"tier":                            account.Tier,
		"unlimited":                       account.Unlimited,
	})
}
