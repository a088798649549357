package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/models"
)

const (
	defaultDispatchInterval = 15 * time.Second
	dispatchBatchSize       = 200
)

// DebitPayload is the event body recorded for every committed debit.
type DebitPayload struct {
	AccountKey    string `json:"account_key"`
	TransactionID string `json:"transaction_id"`
	AmountMicros  int64  `json:"amount_micros"`
	FreeMicros    int64  `json:"free_micros"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

// CreditPayload is the event body recorded for credits, refunds, and bonuses.
type CreditPayload struct {
	AccountKey    string `json:"account_key"`
	TransactionID string `json:"transaction_id"`
	AmountMicros  int64  `json:"amount_micros"`
	Type          string `json:"type"`
}

// Append records an event inside the caller's database transaction so the
// event commits if and only if the ledger mutation commits.
func Append(tx *gorm.DB, kind string, payload any) error {
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return errMarshal
	}
	event := models.OutboxEvent{
		EventID: uuid.NewString(),
		Kind:    kind,
		Payload: body,
	}
	return tx.Create(&event).Error
}

// Sink receives dispatched events. Delivery is best effort: a failing sink
// leaves the event pending for the next pass and never blocks the ledger.
type Sink interface {
	Deliver(ctx context.Context, event models.OutboxEvent) error
}

// LogSink writes events to the process log. It is the default sink when no
// downstream consumer is configured.
type LogSink struct{}

// Deliver logs the event.
func (LogSink) Deliver(_ context.Context, event models.OutboxEvent) error {
	log.WithFields(log.Fields{
		"event_id": event.EventID,
		"kind":     event.Kind,
	}).Info("outbox event")
	return nil
}

// Dispatcher drains pending outbox events on an interval.
type Dispatcher struct {
	db       *gorm.DB
	sink     Sink
	interval time.Duration
}

// NewDispatcher constructs a Dispatcher. A nil sink falls back to LogSink.
func NewDispatcher(db *gorm.DB, sink Sink) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	return &Dispatcher{db: db, sink: sink, interval: defaultDispatchInterval}
}

// Start launches the dispatch loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil || d.db == nil {
		return
	}
	go d.run(ctx)
	log.Infof("outbox dispatcher started (interval=%s)", d.interval)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if errDispatch := d.DispatchPending(ctx); errDispatch != nil {
			log.WithError(errDispatch).Warn("outbox: dispatch pass failed")
		}
		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// DispatchPending delivers undispatched events oldest first and marks each
// one dispatched on success.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	var events []models.OutboxEvent
	if errFind := d.db.WithContext(ctx).
		Where("dispatched = ?", false).
		Order("id ASC").
		Limit(dispatchBatchSize).
		Find(&events).Error; errFind != nil {
		return errFind
	}

	for _, event := range events {
		if errDeliver := d.sink.Deliver(ctx, event); errDeliver != nil {
			log.WithError(errDeliver).WithField("event_id", event.EventID).
				Warn("outbox: delivery failed, will retry")
			continue
		}
		now := time.Now().UTC()
		if errUpdate := d.db.WithContext(ctx).
			Model(&models.OutboxEvent{}).
			Where("id = ?", event.ID).
			Updates(map[string]any{
				"dispatched":    true,
				"dispatched_at": now,
			}).Error; errUpdate != nil {
			return errUpdate
		}
	}
	return nil
}
