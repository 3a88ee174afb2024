package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	interf "github.com/goorm-sudo/raillo/settlement/internal/interfaces"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.uber.org/zap"
)

// EventHandler consumes one outbox event. Handlers must tolerate redelivery.
type EventHandler func(ctx context.Context, e model.OutboxEvent) error

type OutboxConfig struct {
	BatchSize         int
	MaxRetry          int
	ProcessingTimeout time.Duration
	Retention         time.Duration
}

// OutboxService records events inside business transactions and delivers them at
// least once: registered handlers first, then the publisher when one is set.
type OutboxService struct {
	logger    *zap.Logger
	db        interf.OutboxStorage
	publisher interf.EventPublisher
	metrics   *metrics.Registry
	cfg       OutboxConfig
	handlers  map[string][]EventHandler
	now       func() time.Time
}

func NewOutboxService(logger *zap.Logger, db interf.OutboxStorage, publisher interf.EventPublisher, m *metrics.Registry, cfg OutboxConfig) *OutboxService {
	return &OutboxService{
		logger:    logger,
		db:        db,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		handlers:  map[string][]EventHandler{},
		now:       time.Now,
	}
}

// Register adds a handler for an event type. Call it before the first poll.
func (o *OutboxService) Register(eventType string, h EventHandler) {
	o.handlers[eventType] = append(o.handlers[eventType], h)
}

// Record stores a PENDING event in the transaction carried by ctx.
func (o *OutboxService) Record(ctx context.Context, eventType, aggregateType, aggregateID string, payload any) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now := o.now()
	e := &model.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       body,
		Status:        model.OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err = o.db.Insert(ctx, e); err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// ProcessPending claims one batch and delivers it. It returns the number of events
// completed; delivery errors only fail the event.
func (o *OutboxService) ProcessPending(ctx context.Context) (int, error) {
	events, err := o.db.ClaimPending(ctx, o.cfg.BatchSize, o.cfg.MaxRetry, o.now())
	if err != nil {
		return 0, err
	}
	done := 0
	for _, e := range events {
		if err = o.deliver(ctx, e); err != nil {
			o.logger.Error("Outbox delivery failed",
				zap.String("event", e.ID.String()),
				zap.String("type", e.EventType),
				zap.Int("retry", e.RetryCount),
				zap.Error(err),
			)
			if _, ferr := o.db.MarkFailed(ctx, e.ID, err.Error(), o.now()); ferr != nil {
				return done, ferr
			}
			o.metrics.OutboxDelivered("failed", 1)
			continue
		}
		ok, err := o.db.MarkCompleted(ctx, e.ID, o.now())
		if err != nil {
			return done, err
		}
		if !ok {
			// recovered as timed out while we worked; it will be delivered again
			o.logger.Debug("Outbox event changed during delivery", zap.String("event", e.ID.String()))
			continue
		}
		o.metrics.OutboxDelivered("completed", 1)
		done++
	}
	return done, nil
}

func (o *OutboxService) deliver(ctx context.Context, e model.OutboxEvent) error {
	for _, h := range o.handlers[e.EventType] {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	if o.publisher != nil {
		return o.publisher.Publish(ctx, e)
	}
	return nil
}

// RecoverTimedOut returns events stuck in PROCESSING to the queue.
func (o *OutboxService) RecoverTimedOut(ctx context.Context) (requeued, exhausted int64, err error) {
	now := o.now()
	requeued, exhausted, err = o.db.ResetTimedOut(ctx, now.Add(-o.cfg.ProcessingTimeout), o.cfg.MaxRetry, now)
	if err != nil {
		return 0, 0, err
	}
	o.metrics.OutboxDelivered("requeued", requeued)
	o.metrics.OutboxDelivered("exhausted", exhausted)
	if exhausted > 0 {
		o.logger.Error("Outbox events exhausted their retries", zap.Int64("events", exhausted))
	}
	return requeued, exhausted, nil
}

// Cleanup deletes delivered events past the retention period.
func (o *OutboxService) Cleanup(ctx context.Context) (int64, error) {
	return o.db.DeleteCompletedBefore(ctx, o.now().Add(-o.cfg.Retention))
}

// ReportBacklog publishes the per-status row counts.
func (o *OutboxService) ReportBacklog(ctx context.Context) error {
	counts, err := o.db.CountByStatus(ctx)
	if err != nil {
		return err
	}
	byStatus := make(map[string]int64, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	o.metrics.OutboxBacklog(byStatus)
	return nil
}
