package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interf "github.com/goorm-sudo/raillo/settlement/internal/interfaces"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.uber.org/zap"
)

type RefundConfig struct {
	UnknownTimeout time.Duration
	// ProcessingTimeout bounds how long a refund may stay PROCESSING.
	ProcessingTimeout time.Duration
	BatchSize         int
}

// RefundService calculates cancellation fees and settles refunds with the payment
// gateway. One purchase has at most one refund calculation.
type RefundService struct {
	logger   *zap.Logger
	tx       interf.TxManager
	refunds  interf.RefundStorage
	ledger   *LedgerService
	earning  *EarningService
	outbox   *OutboxService
	gateway  interf.PaymentGateway
	policies interf.FeePolicyResolver
	locker   interf.Locker
	metrics  *metrics.Registry
	cfg      RefundConfig
	now      func() time.Time
}

func NewRefundService(logger *zap.Logger, tx interf.TxManager, refunds interf.RefundStorage, ledger *LedgerService, earning *EarningService,
	outbox *OutboxService, gateway interf.PaymentGateway, policies interf.FeePolicyResolver, locker interf.Locker, m *metrics.Registry, cfg RefundConfig) *RefundService {
	return &RefundService{logger, tx, refunds, ledger, earning, outbox, gateway, policies, locker, m, cfg, time.Now}
}

// Calculate prices a refund request and stores it as PENDING. Repeating a request for
// the same purchase returns the stored calculation.
func (r *RefundService) Calculate(ctx context.Context, req model.RefundRequest) (*model.RefundCalculation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if existing, err := r.existing(ctx, req); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	now := r.now()
	var policy model.FeePolicy
	if req.RefundType != model.RefundChange {
		var err error
		if policy, err = r.policies.Resolve(ctx, req.Operator); err != nil {
			return nil, fmt.Errorf("fee policy of %q: %w", req.Operator, err)
		}
	}
	fee, err := model.CalculateRefundFee(policy, model.FeeInput{
		PurchaseID:     req.PurchaseID,
		OriginalAmount: req.OriginalAmount,
		DepartureTime:  req.DepartureTime,
		ArrivalTime:    req.ArrivalTime,
		RequestTime:    now,
		DelayMinutes:   req.DelayMinutes,
		RefundType:     req.RefundType,
	})
	var denied *model.RefundDeniedError
	if errors.As(err, &denied) {
		r.recordDenial(ctx, req, denied)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = model.IdempotencyKeyFor(req.PurchaseID, now, "refund")
	}
	calc := &model.RefundCalculation{
		ID:                   uuid.New(),
		PurchaseID:           req.PurchaseID,
		MemberID:             req.MemberID,
		TrainScheduleID:      req.TrainScheduleID,
		Operator:             req.Operator,
		PaymentTransactionID: req.PaymentTransactionID,
		OriginalAmount:       req.OriginalAmount,
		MileageUsed:          req.MileageUsed,
		RefundFeeRate:        fee.Rate,
		RefundFee:            fee.Fee,
		RefundAmount:         fee.RefundAmount,
		MileageRefundAmount:  req.MileageUsed,
		DepartureTime:        req.DepartureTime,
		ArrivalTime:          req.ArrivalTime,
		RequestTime:          now,
		DelayMinutes:         req.DelayMinutes,
		RefundType:           req.RefundType,
		Status:               model.RefundPending,
		Reason:               req.Reason,
		IdempotencyKey:       key,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	created, err := r.refunds.Create(ctx, calc)
	if err != nil {
		return nil, err
	}
	if !created {
		// lost the race to a concurrent request
		return r.existing(ctx, req)
	}
	r.logger.Info("Refund calculated",
		zap.String("refund", calc.ID.String()),
		zap.String("purchase", calc.PurchaseID),
		zap.Float64("rate", calc.RefundFeeRate),
		zap.Int64("fee", calc.RefundFee),
		zap.Int64("amount", calc.RefundAmount),
	)
	return calc, nil
}

// existing finds a stored calculation by purchase id. The idempotency key lookup is
// deprecated and only answers clients that still send explicit keys.
func (r *RefundService) existing(ctx context.Context, req model.RefundRequest) (*model.RefundCalculation, error) {
	calc, err := r.refunds.GetByPurchase(ctx, req.PurchaseID)
	if err == nil || !errors.Is(err, model.ErrNotFound) || req.IdempotencyKey == "" {
		return calc, err
	}
	return r.refunds.GetByIdempotencyKey(ctx, req.IdempotencyKey)
}

// recordDenial audits a rejected request. It never fails the caller.
func (r *RefundService) recordDenial(ctx context.Context, req model.RefundRequest, denied *model.RefundDeniedError) {
	r.metrics.RefundDenied()
	r.logger.Warn("Refund denied after deadline",
		zap.String("purchase", req.PurchaseID),
		zap.Int64("member", req.MemberID),
		zap.Time("deadline", denied.Deadline),
		zap.Time("requested", denied.RequestedAt),
	)
	deadline := denied.Deadline
	_, err := r.outbox.Record(ctx, model.EventRefundDenied, model.AggregatePurchase, req.PurchaseID, model.RefundEventPayload{
		PurchaseID: req.PurchaseID,
		MemberID:   req.MemberID,
		Reason:     denied.Error(),
		Deadline:   &deadline,
	})
	if err != nil {
		r.logger.Error("Could not record refund denial", zap.String("purchase", req.PurchaseID), zap.Error(err))
	}
}

// Process settles a PENDING or UNKNOWN refund: used mileage is restored, then the
// gateway is asked to pay back. A settled refund is returned unchanged.
func (r *RefundService) Process(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	var result *model.RefundCalculation
	err := r.locker.WithLock(ctx, "refund:"+id.String(), func(ctx context.Context) error {
		var err error
		result, err = r.process(ctx, id)
		return err
	})
	if errors.Is(err, lock.ErrLockBusy) {
		r.logger.Debug("Refund already being processed", zap.String("refund", id.String()))
		return r.refunds.Get(ctx, id)
	}
	return result, err
}

func (r *RefundService) process(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	calc, err := r.refunds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := calc.Status
	next, err := from.Next(model.EventRefundStart)
	if err != nil {
		if from.Terminal() || from == model.RefundProcessing {
			return calc, nil
		}
		return nil, err
	}
	ok, err := r.refunds.UpdateStatus(ctx, id, from, next, model.RefundUpdate{IncrementRetry: from == model.RefundUnknown, At: r.now()})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.refunds.Get(ctx, id)
	}
	calc.Status = next

	if calc.MileageRefundAmount > 0 {
		_, created, err := r.ledger.restoreOnce(ctx, calc.MemberID, calc.MileageRefundAmount, calc.PurchaseID)
		if err != nil {
			return r.ambiguous(ctx, calc, fmt.Errorf("restore mileage: %w", err))
		}
		if created {
			r.ledger.Invalidate(ctx, calc.MemberID)
		}
	}

	res, err := r.gateway.Refund(ctx, model.GatewayRefundRequest{
		TransactionID: calc.PaymentTransactionID,
		OrderID:       calc.PurchaseID,
		Amount:        calc.RefundAmount,
		Reason:        calc.Reason,
	})
	if err != nil {
		return r.ambiguous(ctx, calc, err)
	}
	settle := r.reject
	if res.Success {
		settle = r.complete
	}
	stored, err := settle(ctx, calc, res)
	if err != nil {
		// the gateway answered but the answer is not on record
		return r.ambiguous(ctx, calc, fmt.Errorf("record gateway outcome: %w", err))
	}
	return stored, nil
}

func (r *RefundService) eventPayload(calc *model.RefundCalculation, status model.RefundStatus, reason string) model.RefundEventPayload {
	return model.RefundEventPayload{
		RefundID:     calc.ID,
		PurchaseID:   calc.PurchaseID,
		MemberID:     calc.MemberID,
		Status:       status,
		RefundAmount: calc.RefundAmount,
		RefundFee:    calc.RefundFee,
		Reason:       reason,
	}
}

// complete books the gateway approval, tells the purchase owner and cancels earning
// that has not started, all in one transaction.
func (r *RefundService) complete(ctx context.Context, calc *model.RefundCalculation, res *model.GatewayRefundResult) (*model.RefundCalculation, error) {
	cancelled := 0
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := r.refunds.UpdateStatus(ctx, calc.ID, model.RefundProcessing, model.RefundCompleted, model.RefundUpdate{
			GatewayTransactionID: res.TransactionID,
			ApprovalNo:           res.ApprovalNo,
			At:                   r.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: refund %s left PROCESSING", model.ErrConcurrentUpdate, calc.ID)
		}
		payload := r.eventPayload(calc, model.RefundCompleted, "")
		if _, err = r.outbox.Record(ctx, model.EventPurchaseRefunded, model.AggregatePurchase, calc.PurchaseID, payload); err != nil {
			return err
		}
		if _, err = r.outbox.Record(ctx, model.EventRefundCompleted, model.AggregateRefund, calc.ID.String(), payload); err != nil {
			return err
		}
		cancelled, err = r.earning.CancelForPurchase(ctx, calc.PurchaseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.metrics.RefundFinished(string(model.RefundCompleted))
	r.logger.Info("Refund completed",
		zap.String("refund", calc.ID.String()),
		zap.String("purchase", calc.PurchaseID),
		zap.String("approval", res.ApprovalNo),
		zap.Int("cancelledSchedules", cancelled),
	)
	return r.refunds.Get(ctx, calc.ID)
}

// reject handles a confirmed gateway refusal: the refund fails and restored mileage is
// taken back.
func (r *RefundService) reject(ctx context.Context, calc *model.RefundCalculation, res *model.GatewayRefundResult) (*model.RefundCalculation, error) {
	reason := res.Message
	if reason == "" {
		reason = "refund rejected by payment gateway"
	}
	reversed := false
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := r.refunds.UpdateStatus(ctx, calc.ID, model.RefundProcessing, model.RefundFailed, model.RefundUpdate{
			FailureReason: reason,
			At:            r.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: refund %s left PROCESSING", model.ErrConcurrentUpdate, calc.ID)
		}
		if reversed, err = r.reverseRestore(ctx, calc); err != nil {
			return err
		}
		_, err = r.outbox.Record(ctx, model.EventRefundFailed, model.AggregateRefund, calc.ID.String(), r.eventPayload(calc, model.RefundFailed, reason))
		return err
	})
	if err != nil {
		return nil, err
	}
	if reversed {
		r.ledger.Invalidate(ctx, calc.MemberID)
	}
	r.metrics.RefundFinished(string(model.RefundFailed))
	r.logger.Warn("Refund rejected by gateway", zap.String("refund", calc.ID.String()), zap.String("reason", reason))
	return r.refunds.Get(ctx, calc.ID)
}

// reverseRestore books a compensating ADJUST for mileage restored by this refund. When
// the member already spent it the refund still fails and the gap is logged.
func (r *RefundService) reverseRestore(ctx context.Context, calc *model.RefundCalculation) (bool, error) {
	if calc.MileageRefundAmount <= 0 {
		return false, nil
	}
	restored, err := r.ledger.db.FindByRelated(ctx, calc.MemberID, calc.PurchaseID, model.TxRefund)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = r.ledger.post(ctx, calc.MemberID, model.TxAdjust, -restored.PointsAmount, calc.PurchaseID,
		"reversal of mileage restored for failed refund "+calc.ID.String(), nil)
	if errors.Is(err, model.ErrInsufficientBalance) {
		r.logger.Error("Restored mileage could not be reversed",
			zap.String("refund", calc.ID.String()),
			zap.Int64("member", calc.MemberID),
			zap.Int64("points", restored.PointsAmount),
		)
		return false, nil
	}
	return err == nil, err
}

// ambiguous parks the refund in UNKNOWN. The first time stamps UnknownSince.
func (r *RefundService) ambiguous(ctx context.Context, calc *model.RefundCalculation, cause error) (*model.RefundCalculation, error) {
	parked, err := r.park(ctx, calc, cause)
	if err != nil {
		return nil, err
	}
	stored, err := r.refunds.Get(ctx, calc.ID)
	if err != nil {
		return nil, err
	}
	if !parked {
		return stored, cause
	}
	return stored, fmt.Errorf("%w: %v", model.ErrGatewayAmbiguous, cause)
}

// park moves a PROCESSING refund to UNKNOWN with a REFUND_UNKNOWN event. false means the
// row had already left PROCESSING.
func (r *RefundService) park(ctx context.Context, calc *model.RefundCalculation, cause error) (bool, error) {
	var parked bool
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := r.refunds.UpdateStatus(ctx, calc.ID, model.RefundProcessing, model.RefundUnknown, model.RefundUpdate{
			FailureReason: cause.Error(),
			At:            r.now(),
		})
		if err != nil || !ok {
			return err
		}
		parked = true
		_, err = r.outbox.Record(ctx, model.EventRefundUnknown, model.AggregateRefund, calc.ID.String(), r.eventPayload(calc, model.RefundUnknown, cause.Error()))
		return err
	})
	if err != nil {
		return false, err
	}
	if parked {
		r.metrics.RefundFinished(string(model.RefundUnknown))
		r.logger.Warn("Refund outcome unknown", zap.String("refund", calc.ID.String()), zap.Error(cause))
	}
	return parked, nil
}

// RecoverStuck parks refunds that stayed PROCESSING past the processing timeout in
// UNKNOWN, where RecoverUnknown asks the gateway again. Refunds whose lock is still held
// are left alone.
func (r *RefundService) RecoverStuck(ctx context.Context) (int, error) {
	if r.cfg.ProcessingTimeout <= 0 {
		return 0, nil
	}
	processing, err := r.refunds.ListByStatus(ctx, model.RefundProcessing, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.cfg.ProcessingTimeout)
	recovered := 0
	for i := range processing {
		calc := &processing[i]
		if calc.UpdatedAt.After(cutoff) {
			continue
		}
		var parked bool
		err := r.locker.WithLock(ctx, "refund:"+calc.ID.String(), func(ctx context.Context) error {
			var err error
			parked, err = r.park(ctx, calc, fmt.Errorf("%w: PROCESSING since %s",
				model.ErrProcessingTimeout, calc.UpdatedAt.Format(time.RFC3339)))
			return err
		})
		if errors.Is(err, lock.ErrLockBusy) {
			continue
		}
		if err != nil {
			r.logger.Error("Could not park stuck refund", zap.String("refund", calc.ID.String()), zap.Error(err))
			continue
		}
		if parked {
			recovered++
		}
	}
	return recovered, nil
}

// RecoverUnknown retries UNKNOWN refunds and fails those past the timeout. Failed ones
// keep their restored mileage and are left for manual reconciliation.
func (r *RefundService) RecoverUnknown(ctx context.Context) (retried, expired int, err error) {
	unknown, err := r.refunds.ListByStatus(ctx, model.RefundUnknown, r.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	now := r.now()
	for _, calc := range unknown {
		if calc.UnknownSince != nil && !calc.UnknownSince.After(now.Add(-r.cfg.UnknownTimeout)) {
			if err := r.expire(ctx, &calc); err != nil {
				r.logger.Error("Expire unknown refund failed", zap.String("refund", calc.ID.String()), zap.Error(err))
				continue
			}
			expired++
			continue
		}
		if _, err := r.Process(ctx, calc.ID); err != nil {
			r.logger.Warn("Unknown refund retry failed", zap.String("refund", calc.ID.String()), zap.Error(err))
			continue
		}
		retried++
	}
	return retried, expired, nil
}

func (r *RefundService) expire(ctx context.Context, calc *model.RefundCalculation) error {
	next, err := calc.Status.Next(model.EventRefundExpire)
	if err != nil {
		return err
	}
	reason := "payment gateway outcome unknown past timeout"
	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := r.refunds.UpdateStatus(ctx, calc.ID, calc.Status, next, model.RefundUpdate{FailureReason: reason, At: r.now()})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: refund %s", model.ErrConcurrentUpdate, calc.ID)
		}
		_, err = r.outbox.Record(ctx, model.EventRefundFailed, model.AggregateRefund, calc.ID.String(), r.eventPayload(calc, model.RefundFailed, reason))
		return err
	})
	if err != nil {
		return err
	}
	r.metrics.RefundFinished(string(model.RefundFailed))
	r.logger.Error("Refund needs manual reconciliation",
		zap.String("refund", calc.ID.String()),
		zap.String("purchase", calc.PurchaseID),
		zap.Timep("unknownSince", calc.UnknownSince),
	)
	return nil
}

// RetryUnknown is the operator retry of one UNKNOWN refund.
func (r *RefundService) RetryUnknown(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	calc, err := r.refunds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status != model.RefundUnknown {
		return nil, &model.TransitionError{Machine: "refund", From: string(calc.Status), Event: "retry"}
	}
	return r.Process(ctx, id)
}

// Cancel withdraws a refund that was never sent to the gateway.
func (r *RefundService) Cancel(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	calc, err := r.refunds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := calc.Status.Next(model.EventRefundCancel)
	if err != nil {
		return nil, err
	}
	ok, err := r.refunds.UpdateStatus(ctx, id, calc.Status, next, model.RefundUpdate{At: r.now()})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", model.ErrConcurrentUpdate, id)
	}
	return r.refunds.Get(ctx, id)
}

// HandleRequest decodes a queued refund request, prices it and settles it.
func (r *RefundService) HandleRequest(ctx context.Context, payload []byte) (*model.RefundCalculation, error) {
	var req model.RefundRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &model.ValidationError{Field: "payload", Reason: err.Error()}
	}
	calc, err := r.Calculate(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx, calc.ID)
}

func (r *RefundService) Get(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	return r.refunds.Get(ctx, id)
}

func (r *RefundService) GetByPurchase(ctx context.Context, purchaseID string) (*model.RefundCalculation, error) {
	return r.refunds.GetByPurchase(ctx, purchaseID)
}

func (r *RefundService) ListByMember(ctx context.Context, memberID int64) ([]model.RefundCalculation, error) {
	return r.refunds.ListByMember(ctx, memberID)
}
