package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/models"
)

// TransactionsHandler serves transaction history and aggregation endpoints.
type TransactionsHandler struct {
	store *ledger.Store
}

// NewTransactionsHandler constructs a TransactionsHandler.
func NewTransactionsHandler(store *ledger.Store) *TransactionsHandler {
	return &TransactionsHandler{store: store}
}

// transactionDTO defines the transaction response payload.
type transactionDTO struct {
	TransactionID      string    `json:"transaction_id"`
	Type               string    `json:"type"`
	AmountMicros       int64     `json:"amount_micros"`
	BalanceAfterMicros int64     `json:"balance_after_micros"`
	FreeMicros         int64     `json:"free_micros,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	PowerLevel         string    `json:"power_level,omitempty"`
	RuleID             *uint64   `json:"rule_id,omitempty"`
	Source             string    `json:"source,omitempty"`
	RefundOf           string    `json:"refund_of,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func toTransactionDTO(row models.CreditTransaction) transactionDTO {
	return transactionDTO{
		TransactionID:      row.TransactionID,
		Type:               string(row.Type),
		AmountMicros:       row.AmountMicros,
		BalanceAfterMicros: row.BalanceAfterMicros,
		FreeMicros:         row.FreeMicros,
		Provider:           row.Provider,
		Model:              row.Model,
		PowerLevel:         row.PowerLevel,
		RuleID:             row.RuleID,
		Source:             row.Source,
		RefundOf:           row.RefundOf,
		CreatedAt:          row.CreatedAt,
	}
}

// List returns a page of the account's transaction history.
func (h *TransactionsHandler) List(c *gin.Context, accountKey string) {
	query := ledger.HistoryQuery{}
	if from, ok := parseTimeParam(c.Query("from")); ok {
		query.From = &from
	}
	if to, ok := parseTimeParam(c.Query("to")); ok {
		query.To = &to
	}
	query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	query.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))

	page, errHistory := h.store.History(c.Request.Context(), accountKey, query)
	if errHistory != nil {
		writeLedgerError(c, errHistory)
		return
	}

	items := make([]transactionDTO, 0, len(page.Items))
	for _, row := range page.Items {
		items = append(items, toTransactionDTO(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
	})
}

// Aggregate returns grouped debit totals for reporting.
func (h *TransactionsHandler) Aggregate(c *gin.Context, accountKey string) {
	groupBy := strings.TrimSpace(c.DefaultQuery("group_by", "provider"))

	var from, to *time.Time
	if parsed, ok := parseTimeParam(c.Query("from")); ok {
		from = &parsed
	}
	if parsed, ok := parseTimeParam(c.Query("to")); ok {
		to = &parsed
	}

	rows, errAggregate := h.store.Aggregate(c.Request.Context(), accountKey, groupBy, from, to)
	if errAggregate != nil {
		if strings.Contains(errAggregate.Error(), "unsupported group_by") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported group_by"})
			return
		}
		writeLedgerError(c, errAggregate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": groupBy, "rows": rows})
}

// Daily returns per-day debit totals for usage charts.
func (h *TransactionsHandler) Daily(c *gin.Context, accountKey string) {
	var from, to *time.Time
	if parsed, ok := parseTimeParam(c.Query("from")); ok {
		from = &parsed
	}
	if parsed, ok := parseTimeParam(c.Query("to")); ok {
		to = &parsed
	}

	rows, errDaily := h.store.DailyUsage(c.Request.Context(), accountKey, from, to)
	if errDaily != nil {
		writeLedgerError(c, errDaily)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates.
func parseTimeParam(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if parsed, errParse := time.Parse(time.RFC3339, raw); errParse == nil {
		return parsed.UTC(), true
	}
	if parsed, errParse := time.Parse("2006-01-02", raw); errParse == nil {
		return parsed.UTC(), true
	}
	return time.Time{}, false
}
