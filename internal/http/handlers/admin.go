package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/config"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/security"
)

// AdminHandler serves privileged ledger endpoints.
type AdminHandler struct {
	db      *gorm.DB
	store   *ledger.Store
	authCfg config.AuthConfig
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB, store *ledger.Store, authCfg config.AuthConfig) *AdminHandler {
	return &AdminHandler{db: db, store: store, authCfg: authCfg}
}

// loginRequest defines the admin login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates an admin and issues a JWT.
func (h *AdminHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("username = ? AND active = ?", strings.TrimSpace(body.Username), true).
		First(&admin).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query admin failed"})
		return
	}

	if !security.CheckPassword(admin.Password, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errToken := security.GenerateAdminToken(h.authCfg.JWTSecret, admin.ID, admin.Username, h.authCfg.TokenExpiry)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// allocateRequest defines the manual allocation body.
type allocateRequest struct {
	AccountKey   string `json:"account_key"`
	AmountMicros int64  `json:"amount_micros"`
	Reason       string `json:"reason"`
}

// Allocate credits an account manually. The reason lands in the transaction
// source for the audit trail.
func (h *AdminHandler) Allocate(c *gin.Context) {
	var body allocateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.AccountKey) == "" || body.AmountMicros <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_key and positive amount_micros are required"})
		return
	}

	source := "admin"
	if reason := strings.TrimSpace(body.Reason); reason != "" {
		source = "admin:" + reason
	}

	result, errCredit := h.store.Credit(c.Request.Context(), body.AccountKey, body.AmountMicros, models.TransactionCredit, source, "", "")
	if errCredit != nil {
		writeLedgerError(c, errCredit)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id":       result.TransactionID,
		"balance_after_micros": result.BalanceAfterMicros,
	})
}

// Reconcile reports whether the stored balance matches the transaction sum.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	accountKey := strings.TrimSpace(c.Param("account_key"))
	balance, sum, ok, errReconcile := h.store.Reconcile(c.Request.Context(), accountKey)
	if errReconcile != nil {
		writeLedgerError(c, errReconcile)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_key":     accountKey,
		"balance_micros":  balance,
		"transaction_sum": sum,
		"reconciled":      ok,
	})
}
