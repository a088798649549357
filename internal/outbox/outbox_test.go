package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
)

func setupOutboxDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:outbox_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.OutboxEvent{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

// recordingSink captures delivered events and optionally fails per kind.
type recordingSink struct {
	mu        sync.Mutex
	delivered []string
	failKind  string
}

func (s *recordingSink) Deliver(_ context.Context, event models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Kind == s.failKind {
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, event.EventID)
	return nil
}

func TestAppendCommitsWithEnclosingTransaction(t *testing.T) {
	conn := setupOutboxDB(t)

	errTx := conn.Transaction(func(tx *gorm.DB) error {
		if errAppend := Append(tx, "credit.debited", DebitPayload{AccountKey: "acct-1"}); errAppend != nil {
			return errAppend
		}
		return errors.New("force rollback")
	})
	if errTx == nil {
		t.Fatal("expected forced rollback")
	}

	var count int64
	if errCount := conn.Model(&models.OutboxEvent{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count events: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("rolled-back event persisted, count %d", count)
	}

	if errCommit := conn.Transaction(func(tx *gorm.DB) error {
		return Append(tx, "credit.debited", DebitPayload{AccountKey: "acct-1"})
	}); errCommit != nil {
		t.Fatalf("append: %v", errCommit)
	}
	if errCount := conn.Model(&models.OutboxEvent{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count events: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one committed event, got %d", count)
	}
}

func TestDispatchPendingMarksDelivered(t *testing.T) {
	conn := setupOutboxDB(t)
	for i := 0; i < 3; i++ {
		if errAppend := Append(conn, "credit.credited", CreditPayload{AccountKey: "acct-1"}); errAppend != nil {
			t.Fatalf("append %d: %v", i, errAppend)
		}
	}

	sink := &recordingSink{}
	dispatcher := NewDispatcher(conn, sink)
	if errDispatch := dispatcher.DispatchPending(context.Background()); errDispatch != nil {
		t.Fatalf("dispatch: %v", errDispatch)
	}

	if len(sink.delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(sink.delivered))
	}

	var pending int64
	if errCount := conn.Model(&models.OutboxEvent{}).
		Where("dispatched = ?", false).
		Count(&pending).Error; errCount != nil {
		t.Fatalf("count pending: %v", errCount)
	}
	if pending != 0 {
		t.Fatalf("expected no pending events, got %d", pending)
	}

	var event models.OutboxEvent
	if errFind := conn.First(&event).Error; errFind != nil {
		t.Fatalf("load event: %v", errFind)
	}
	if event.DispatchedAt == nil {
		t.Fatal("dispatched event missing dispatch time")
	}
}

func TestDispatchPendingRetriesFailedDeliveries(t *testing.T) {
	conn := setupOutboxDB(t)
	if errAppend := Append(conn, "credit.debited", DebitPayload{AccountKey: "acct-1"}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}
	if errAppend := Append(conn, "credit.credited", CreditPayload{AccountKey: "acct-1"}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}

	sink := &recordingSink{failKind: "credit.debited"}
	dispatcher := NewDispatcher(conn, sink)
	if errDispatch := dispatcher.DispatchPending(context.Background()); errDispatch != nil {
		t.Fatalf("dispatch: %v", errDispatch)
	}

	var pending int64
	if errCount := conn.Model(&models.OutboxEvent{}).
		Where("dispatched = ?", false).
		Count(&pending).Error; errCount != nil {
		t.Fatalf("count pending: %v", errCount)
	}
	if pending != 1 {
		t.Fatalf("failed delivery should stay pending, got %d pending", pending)
	}

	// The sink recovers and the next pass drains the backlog.
	sink.failKind = ""
	if errDispatch := dispatcher.DispatchPending(context.Background()); errDispatch != nil {
		t.Fatalf("second dispatch: %v", errDispatch)
	}
	if errCount := conn.Model(&models.OutboxEvent{}).
		Where("dispatched = ?", false).
		Count(&pending).Error; errCount != nil {
		t.Fatalf("count pending: %v", errCount)
	}
	if pending != 0 {
		t.Fatalf("expected backlog drained, got %d pending", pending)
	}
}
