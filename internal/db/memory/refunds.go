package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
)

// Refunds is the refund_calculations table.
type Refunds struct{ s *Store }

func (s *Store) Refunds() Refunds { return Refunds{s} }

func (t Refunds) Create(ctx context.Context, r *model.RefundCalculation) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	for _, other := range s.refunds {
		if other.PurchaseID == r.PurchaseID || (r.IdempotencyKey != "" && other.IdempotencyKey == r.IdempotencyKey) {
			return false, nil
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.refunds[r.ID] = *r
	s.remember(r.ID)
	return true, nil
}

func (t Refunds) Get(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	s := t.s
	defer s.lock(ctx)()
	r, ok := s.refunds[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (t Refunds) find(keep func(model.RefundCalculation) bool) []model.RefundCalculation {
	s := t.s
	var out []model.RefundCalculation
	for _, r := range s.refunds {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortBy(out, func(r model.RefundCalculation) (uuid.UUID, time.Time) { return r.ID, r.CreatedAt }, s)
	return out
}

func (t Refunds) one(keep func(model.RefundCalculation) bool) (*model.RefundCalculation, error) {
	found := t.find(keep)
	if len(found) == 0 {
		return nil, model.ErrNotFound
	}
	return &found[0], nil
}

func (t Refunds) GetByPurchase(ctx context.Context, purchaseID string) (*model.RefundCalculation, error) {
	defer t.s.lock(ctx)()
	return t.one(func(r model.RefundCalculation) bool { return r.PurchaseID == purchaseID })
}

func (t Refunds) GetByIdempotencyKey(ctx context.Context, key string) (*model.RefundCalculation, error) {
	defer t.s.lock(ctx)()
	return t.one(func(r model.RefundCalculation) bool { return r.IdempotencyKey == key })
}

func (t Refunds) ListByMember(ctx context.Context, memberID int64) ([]model.RefundCalculation, error) {
	defer t.s.lock(ctx)()
	return t.find(func(r model.RefundCalculation) bool { return r.MemberID == memberID }), nil
}

func (t Refunds) ListByStatus(ctx context.Context, status model.RefundStatus, limit int) ([]model.RefundCalculation, error) {
	defer t.s.lock(ctx)()
	found := t.find(func(r model.RefundCalculation) bool { return r.Status == status })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (t Refunds) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.RefundStatus, upd model.RefundUpdate) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	r, ok := s.refunds[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = upd.At
	if upd.GatewayTransactionID != "" {
		r.GatewayTransactionID = upd.GatewayTransactionID
	}
	if upd.ApprovalNo != "" {
		r.ApprovalNo = upd.ApprovalNo
	}
	if upd.FailureReason != "" {
		r.FailureReason = upd.FailureReason
	}
	if upd.IncrementRetry {
		r.RetryCount++
	}
	if to == model.RefundUnknown && r.UnknownSince == nil {
		at := upd.At
		r.UnknownSince = &at
	}
	if to.Terminal() {
		at := upd.At
		r.ProcessedAt = &at
	}
	s.refunds[id] = r
	return true, nil
}
