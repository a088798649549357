package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/metermint/creditledger/internal/capcheck"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/pricing"
)

// writeLedgerError maps ledger errors onto HTTP responses. Balance and cap
// failures are actionable and specific; anything unrecognized is an infra
// failure and fails closed as a 500.
func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, capcheck.ErrCapExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "cap_exceeded"})
	case errors.Is(err, ledger.ErrRetryExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "retry_exceeded"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	case errors.Is(err, ledger.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrMissingIdempotencyKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pricing.ErrUnpricedUsage):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unpriced_usage"})
	default:
		log.WithError(err).Error("ledger request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
