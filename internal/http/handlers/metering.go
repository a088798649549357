package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/metermint/creditledger/internal/allocator"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/metering"
)

// MeteringHandler serves the internal endpoints used by the usage-producing
// gateway and the payment webhook collaborator.
type MeteringHandler struct {
	gateway   *metering.Gateway
	store     *ledger.Store
	allocator *allocator.Allocator
}

// NewMeteringHandler constructs a MeteringHandler.
func NewMeteringHandler(gateway *metering.Gateway, store *ledger.Store, alloc *allocator.Allocator) *MeteringHandler {
	return &MeteringHandler{gateway: gateway, store: store, allocator: alloc}
}

// Debit charges one billable event.
func (h *MeteringHandler) Debit(c *gin.Context) {
	var event metering.BillableEvent
	if errBind := c.ShouldBindJSON(&event); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	result, errCharge := h.gateway.Charge(c.Request.Context(), event)
	if errCharge != nil {
		writeLedgerError(c, errCharge)
		return
	}
	c.JSON(http.StatusOK, result)
}

// createAccountRequest defines the account registration body.
type createAccountRequest struct {
	AccountKey       string `json:"account_key"`
	Tier             string `json:"tier"`
	MonthlyCapMicros int64  `json:"monthly_cap_micros"`
}

// CreateAccount registers an account on first tier assignment.
func (h *MeteringHandler) CreateAccount(c *gin.Context) {
	var body createAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.AccountKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_key is required"})
		return
	}

	account, errCreate := h.store.CreateAccount(c.Request.Context(), body.AccountKey, body.Tier, body.MonthlyCapMicros)
	if errCreate != nil {
		writeLedgerError(c, errCreate)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_key":      account.AccountKey,
		"tier":             account.Tier,
		"cap_period_start": account.CapPeriodStart,
	})
}

// tierChangeRequest defines the payment webhook body.
type tierChangeRequest struct {
	AccountKey string `json:"account_key"`
	NewTier    string `json:"new_tier"`
}

// ChangeTier applies a tier change and credits the entitlement delta.
func (h *MeteringHandler) ChangeTier(c *gin.Context) {
	var body tierChangeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.AccountKey) == "" || strings.TrimSpace(body.NewTier) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_key and new_tier are required"})
		return
	}

	transactionID, errGrant := h.allocator.GrantTierCredits(c.Request.Context(), body.AccountKey, body.NewTier)
	if errGrant != nil {
		writeLedgerError(c, errGrant)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": transactionID})
}

// refundRequest defines the compensation body.
type refundRequest struct {
	AccountKey    string `json:"account_key"`
	TransactionID string `json:"transaction_id"`
	AmountMicros  int64  `json:"amount_micros"`
}

// Refund compensates a committed charge after a downstream failure.
func (h *MeteringHandler) Refund(c *gin.Context) {
	var body refundRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.TransactionID) == "" || body.AmountMicros <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_id and positive amount_micros are required"})
		return
	}

	transactionID, errRefund := h.gateway.Compensate(c.Request.Context(), body.AccountKey, body.TransactionID, body.AmountMicros)
	if errRefund != nil {
		writeLedgerError(c, errRefund)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": transactionID})
}
