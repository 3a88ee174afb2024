package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
)

// Outbox is the outbox_events table.
type Outbox struct{ s *Store }

func (s *Store) Outbox() Outbox { return Outbox{s} }

func (t Outbox) Insert(ctx context.Context, e *model.OutboxEvent) error {
	s := t.s
	defer s.lock(ctx)()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.OutboxPending
	}
	s.outbox[e.ID] = *e
	s.remember(e.ID)
	return nil
}

func (t Outbox) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.outbox[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

// ClaimPending moves a batch of PENDING rows, and FAILED rows with retries left, to
// PROCESSING in creation order.
func (t Outbox) ClaimPending(ctx context.Context, limit, maxRetry int, at time.Time) ([]model.OutboxEvent, error) {
	s := t.s
	defer s.lock(ctx)()
	var ready []model.OutboxEvent
	for _, e := range s.outbox {
		if e.Status == model.OutboxPending || (e.Status == model.OutboxFailed && e.RetryCount < maxRetry) {
			ready = append(ready, e)
		}
	}
	sortBy(ready, func(e model.OutboxEvent) (uuid.UUID, time.Time) { return e.ID, e.CreatedAt }, s)
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		ready[i].Status = model.OutboxProcessing
		ready[i].UpdatedAt = at
		s.outbox[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (t Outbox) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.outbox[id]
	if !ok || e.Status != model.OutboxProcessing {
		return false, nil
	}
	e.Status = model.OutboxCompleted
	e.UpdatedAt = at
	e.ProcessedAt = &at
	s.outbox[id] = e
	return true, nil
}

func (t Outbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.outbox[id]
	if !ok || e.Status != model.OutboxProcessing {
		return false, nil
	}
	e.Status = model.OutboxFailed
	e.RetryCount++
	e.LastError = reason
	e.UpdatedAt = at
	s.outbox[id] = e
	return true, nil
}

func (t Outbox) ResetTimedOut(ctx context.Context, olderThan time.Time, maxRetry int, at time.Time) (int64, int64, error) {
	s := t.s
	defer s.lock(ctx)()
	var requeued, exhausted int64
	for id, e := range s.outbox {
		if e.Status != model.OutboxProcessing || !e.UpdatedAt.Before(olderThan) {
			continue
		}
		e.RetryCount++
		e.UpdatedAt = at
		e.LastError = "processing timed out"
		if e.RetryCount >= maxRetry {
			e.Status = model.OutboxFailed
			exhausted++
		} else {
			e.Status = model.OutboxPending
			requeued++
		}
		s.outbox[id] = e
	}
	return requeued, exhausted, nil
}

func (t Outbox) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	s := t.s
	defer s.lock(ctx)()
	var n int64
	for id, e := range s.outbox {
		if e.Status == model.OutboxCompleted && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}

func (t Outbox) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	s := t.s
	defer s.lock(ctx)()
	out := map[model.OutboxStatus]int64{}
	for _, e := range s.outbox {
		out[e.Status]++
	}
	return out, nil
}

// All returns every event in creation order.
func (t Outbox) All(ctx context.Context) []model.OutboxEvent {
	s := t.s
	defer s.lock(ctx)()
	out := make([]model.OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e)
	}
	sortBy(out, func(e model.OutboxEvent) (uuid.UUID, time.Time) { return e.ID, e.CreatedAt }, s)
	return out
}
