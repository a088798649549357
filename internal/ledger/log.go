package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/metermint/creditledger/internal/db"
	"github.com/metermint/creditledger/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// HistoryQuery filters and paginates transaction history.
type HistoryQuery struct {
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// HistoryPage is one page of transaction history, newest first.
type HistoryPage struct {
	Items    []models.CreditTransaction
	Total    int64
	Page     int
	PageSize int
}

// AggregateRow is one grouped usage total.
type AggregateRow struct {
	Group       string `json:"group"`
	Count       int64  `json:"count"`
	DebitMicros int64  `json:"debit_micros"`
	FreeMicros  int64  `json:"free_micros"`
}

// History returns a page of the account's transactions within a date range.
func (s *Store) History(ctx context.Context, accountKey string, query HistoryQuery) (*HistoryPage, error) {
	account, errAccount := s.Account(ctx, accountKey)
	if errAccount != nil {
		return nil, errAccount
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("account_id = ?", account.ID)
	if query.From != nil {
		q = q.Where("created_at >= ?", query.From.UTC())
	}
	if query.To != nil {
		q = q.Where("created_at < ?", query.To.UTC())
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, errCount
	}

	var items []models.CreditTransaction
	if errFind := q.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error; errFind != nil {
		return nil, errFind
	}

	return &HistoryPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// aggregateColumns maps allowed group-by names to their SQL column.
var aggregateColumns = map[string]string{
	"provider":    "provider",
	"model":       "model",
	"power_level": "power_level",
}

// Aggregate sums debits grouped by provider, model, or power level.
func (s *Store) Aggregate(ctx context.Context, accountKey, groupBy string, from, to *time.Time) ([]AggregateRow, error) {
	column, ok := aggregateColumns[strings.TrimSpace(groupBy)]
	if !ok {
		return nil, fmt.Errorf("ledger: unsupported group_by: %s", groupBy)
	}

	account, errAccount := s.Account(ctx, accountKey)
	if errAccount != nil {
		return nil, errAccount
	}

	q := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("account_id = ? AND type = ?", account.ID, models.TransactionDebit)
	if from != nil {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if to != nil {
		q = q.Where("created_at < ?", to.UTC())
	}

	var rows []AggregateRow
	if errScan := q.
		Select(column + ` AS "group", COUNT(*) AS count, COALESCE(SUM(-amount_micros), 0) AS debit_micros, COALESCE(SUM(free_micros), 0) AS free_micros`).
		Group(column).
		Order("debit_micros DESC").
		Scan(&rows).Error; errScan != nil {
		return nil, errScan
	}
	return rows, nil
}

// DailyUsageRow is one day of debit totals.
type DailyUsageRow struct {
	Day         string `json:"day"`
	Count       int64  `json:"count"`
	DebitMicros int64  `json:"debit_micros"`
	FreeMicros  int64  `json:"free_micros"`
}

// DailyUsage sums an account's debits per calendar day, oldest first.
func (s *Store) DailyUsage(ctx context.Context, accountKey string, from, to *time.Time) ([]DailyUsageRow, error) {
	account, errAccount := s.Account(ctx, accountKey)
	if errAccount != nil {
		return nil, errAccount
	}

	bucket := db.DateBucketExpr(s.db, "created_at")
	q := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("account_id = ? AND type = ?", account.ID, models.TransactionDebit)
	if from != nil {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if to != nil {
		q = q.Where("created_at < ?", to.UTC())
	}

	var rows []DailyUsageRow
	if errScan := q.
		Select(bucket + ` AS day, COUNT(*) AS count, COALESCE(SUM(-amount_micros), 0) AS debit_micros, COALESCE(SUM(free_micros), 0) AS free_micros`).
		Group(bucket).
		Order("day ASC").
		Scan(&rows).Error; errScan != nil {
		return nil, errScan
	}
	return rows, nil
}

// SumDebitsSince returns the cumulative paid plus free debit total for an
// account since the given time. Used by the monthly cap pre-check.
func (s *Store) SumDebitsSince(ctx context.Context, accountID uint64, since time.Time) (int64, error) {
	var row struct {
		Total int64
	}
	errScan := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("account_id = ? AND type = ? AND created_at >= ?", accountID, models.TransactionDebit, since.UTC()).
		Select("COALESCE(SUM(-amount_micros + free_micros), 0) AS total").
		Scan(&row).Error
	if errScan != nil {
		return 0, errScan
	}
	return row.Total, nil
}

// Reconcile recomputes the signed transaction sum for an account and reports
// whether it matches the stored balance.
func (s *Store) Reconcile(ctx context.Context, accountKey string) (balance, sum int64, ok bool, err error) {
	account, errAccount := s.Account(ctx, accountKey)
	if errAccount != nil {
		return 0, 0, false, errAccount
	}

	var row struct {
		Total int64
	}
	if errScan := s.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("account_id = ?", account.ID).
		Select("COALESCE(SUM(amount_micros), 0) AS total").
		Scan(&row).Error; errScan != nil {
		return 0, 0, false, errScan
	}

	return account.BalanceMicros, row.Total, account.BalanceMicros == row.Total, nil
}
