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
	"golang.org/x/sync/errgroup"
)

type EarningConfig struct {
	BatchSize   int
	Concurrency int
	MaxRetry    int
	Retention   time.Duration
	// ProcessingTimeout bounds how long a claimed step may stay unfinished.
	ProcessingTimeout time.Duration
}

// EarningService drives earning schedules from purchase to credited mileage.
type EarningService struct {
	logger    *zap.Logger
	tx        interf.TxManager
	schedules interf.ScheduleStorage
	ledger    *LedgerService
	outbox    *OutboxService
	locker    interf.Locker
	metrics   *metrics.Registry
	cfg       EarningConfig
	now       func() time.Time
}

func NewEarningService(logger *zap.Logger, tx interf.TxManager, schedules interf.ScheduleStorage, ledger *LedgerService, outbox *OutboxService, locker interf.Locker, m *metrics.Registry, cfg EarningConfig) *EarningService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &EarningService{logger, tx, schedules, ledger, outbox, locker, m, cfg, time.Now}
}

// errHandled marks work another worker already did.
var errHandled = errors.New("already handled")

// CreateSchedule stores a SCHEDULED row for the purchase. A repeated signal returns the
// existing row and false.
func (s *EarningService) CreateSchedule(ctx context.Context, p model.PurchaseCompleted) (*model.EarningSchedule, bool, error) {
	sch, err := model.NewEarningSchedule(p, s.now())
	if err != nil {
		return nil, false, err
	}
	err = s.schedules.Create(ctx, sch)
	if errors.Is(err, model.ErrDuplicate) {
		existing, gerr := s.schedules.GetByPurchase(ctx, p.PurchaseID, p.MemberID)
		if gerr != nil {
			return nil, false, gerr
		}
		s.logger.Debug("Earning schedule already exists", zap.String("purchase", p.PurchaseID))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("Earning schedule created",
		zap.String("schedule", sch.ID.String()),
		zap.String("purchase", sch.PurchaseID),
		zap.Int64("base", sch.BaseMileageAmount),
	)
	return sch, true, nil
}

// PurchaseCompleted decodes a purchase signal and creates its schedule.
func (s *EarningService) PurchaseCompleted(ctx context.Context, payload []byte) error {
	var p model.PurchaseCompleted
	if err := json.Unmarshal(payload, &p); err != nil {
		return &model.ValidationError{Field: "payload", Reason: err.Error()}
	}
	_, _, err := s.CreateSchedule(ctx, p)
	return err
}

// RecordTrainArrival stores the arrival signal; delays of 20 minutes or more are also
// recorded as TRAIN_DELAYED.
func (s *EarningService) RecordTrainArrival(ctx context.Context, a model.TrainArrival) (uuid.UUID, error) {
	if err := a.Validate(); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.outbox.Record(ctx, model.EventTrainArrived, model.AggregateTrain, a.TrainScheduleID, a)
		if err != nil {
			return err
		}
		if a.DelayMinutes >= model.DelayCompensationMinimum {
			_, err = s.outbox.Record(ctx, model.EventTrainDelayed, model.AggregateTrain, a.TrainScheduleID, a)
		}
		return err
	})
	return id, err
}

// TrainArrivalReceived decodes an arrival signal and records it.
func (s *EarningService) TrainArrivalReceived(ctx context.Context, payload []byte) error {
	var a model.TrainArrival
	if err := json.Unmarshal(payload, &a); err != nil {
		return &model.ValidationError{Field: "payload", Reason: err.Error()}
	}
	_, err := s.RecordTrainArrival(ctx, a)
	return err
}

// ApplyTrainArrival handles TRAIN_ARRIVED: waiting schedules of the train get their
// delay compensation, become READY and are announced with EARNING_READY.
func (s *EarningService) ApplyTrainArrival(ctx context.Context, e model.OutboxEvent) error {
	var a model.TrainArrival
	if err := e.Decode(&a); err != nil {
		return err
	}
	rate := model.DelayCompensationRate(a.DelayMinutes)
	released := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		waiting, err := s.schedules.ListByTrain(ctx, a.TrainScheduleID, model.ScheduleScheduled, model.ScheduleReady)
		if err != nil {
			return err
		}
		now := s.now()
		for _, sch := range waiting {
			// short delays keep whatever compensation is already recorded
			if rate > 0 {
				comp := model.ApplyRate(sch.OriginalAmount, rate)
				if _, err = s.schedules.UpdateDelayInfo(ctx, sch.ID, a.DelayMinutes, rate, comp, now); err != nil {
					return err
				}
			}
			if sch.Status == model.ScheduleScheduled {
				next, err := sch.Next(model.EventArrived)
				if err != nil {
					return err
				}
				ok, err := s.schedules.UpdateStatus(ctx, sch.ID, sch.Status, next, model.ScheduleUpdate{At: now})
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}
			payload := model.EarningReadyPayload{ScheduleID: sch.ID, PurchaseID: sch.PurchaseID, MemberID: sch.MemberID}
			if _, err = s.outbox.Record(ctx, model.EventEarningReady, model.AggregateSchedule, sch.ID.String(), payload); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Train arrival applied",
		zap.String("train", a.TrainScheduleID),
		zap.Int("delay", a.DelayMinutes),
		zap.Int("schedules", released),
	)
	return nil
}

// HandleEarningReady processes the schedule named by an EARNING_READY event.
func (s *EarningService) HandleEarningReady(ctx context.Context, e model.OutboxEvent) error {
	var p model.EarningReadyPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	return s.ProcessSchedule(ctx, p.ScheduleID)
}

// PromoteDue moves SCHEDULED rows whose expected arrival has passed to READY.
func (s *EarningService) PromoteDue(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.schedules.DueScheduled(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		ok, err := s.schedules.UpdateStatus(ctx, id, model.ScheduleScheduled, model.ScheduleReady, model.ScheduleUpdate{At: now})
		if err != nil {
			s.logger.Error("Promote schedule failed", zap.String("schedule", id.String()), zap.Error(err))
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// ProcessSchedule credits base mileage and then delay compensation. Work already done
// or claimed by another worker is skipped without error.
func (s *EarningService) ProcessSchedule(ctx context.Context, id uuid.UUID) error {
	err := s.locker.WithLock(ctx, "earning:schedule:"+id.String(), func(ctx context.Context) error {
		sch, err := s.schedules.Get(ctx, id)
		if err != nil {
			return err
		}
		if sch.Status == model.ScheduleReady {
			if sch, err = s.earnBase(ctx, sch); err != nil {
				return err
			}
		}
		if sch.Status == model.ScheduleBaseCompleted {
			if _, err = s.earnCompensation(ctx, sch); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, lock.ErrLockBusy) || errors.Is(err, errHandled) {
		s.logger.Debug("Earning schedule already being handled", zap.String("schedule", id.String()))
		return nil
	}
	return err
}

type earnStep struct {
	claim, earned model.ScheduleEvent
	amount        func(*model.EarningSchedule) int64
	eventType     string
	kind          string
}

func (s *EarningService) earnBase(ctx context.Context, sch *model.EarningSchedule) (*model.EarningSchedule, error) {
	return s.earn(ctx, sch, earnStep{
		claim:     model.EventClaimBase,
		earned:    model.EventBaseEarned,
		amount:    func(e *model.EarningSchedule) int64 { return e.BaseMileageAmount },
		eventType: model.EventMileageEarned,
		kind:      "base",
	})
}

func (s *EarningService) earnCompensation(ctx context.Context, sch *model.EarningSchedule) (*model.EarningSchedule, error) {
	return s.earn(ctx, sch, earnStep{
		claim:     model.EventClaimCompensation,
		earned:    model.EventCompensationEarned,
		amount:    func(e *model.EarningSchedule) int64 { return e.DelayCompensationAmount },
		eventType: model.EventDelayCompensationEarned,
		kind:      "compensation",
	})
}

// earn claims the step with a status CAS, then books the ledger entry, the next status
// and the outbox event in one transaction.
func (s *EarningService) earn(ctx context.Context, sch *model.EarningSchedule, step earnStep) (*model.EarningSchedule, error) {
	claimed, err := sch.Next(step.claim)
	if err != nil {
		return nil, err
	}
	ok, err := s.schedules.UpdateStatus(ctx, sch.ID, sch.Status, claimed, model.ScheduleUpdate{At: s.now()})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errHandled
	}
	// delay info may have changed between the read and the claim
	cur, err := s.schedules.Get(ctx, sch.ID)
	if err != nil {
		return nil, s.fail(ctx, sch, claimed, err)
	}
	if cur.Status != claimed {
		return nil, errHandled
	}
	sch = cur
	amount := step.amount(sch)

	next, err := sch.Next(step.earned)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		upd := model.ScheduleUpdate{At: now}
		if next == model.ScheduleFullyCompleted {
			upd.ProcessedAt = &now
		}
		var entryID uuid.UUID
		if amount > 0 {
			entry, err := s.ledger.earn(ctx, sch.MemberID, amount, sch.PurchaseID,
				fmt.Sprintf("%s mileage for purchase %s", step.kind, sch.PurchaseID))
			if err != nil {
				return err
			}
			entryID = entry.ID
			if step.claim == model.EventClaimBase {
				upd.BaseTransactionID = &entryID
			} else {
				upd.CompensationTransactionID = &entryID
			}
		}
		ok, err := s.schedules.UpdateStatus(ctx, sch.ID, claimed, next, upd)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: schedule %s left %s", model.ErrConcurrentUpdate, sch.ID, claimed)
		}
		if amount == 0 {
			return nil
		}
		_, err = s.outbox.Record(ctx, step.eventType, model.AggregateSchedule, sch.ID.String(), model.MileageEarnedPayload{
			ScheduleID:    sch.ID,
			TransactionID: entryID,
			MemberID:      sch.MemberID,
			PurchaseID:    sch.PurchaseID,
			Points:        amount,
		})
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, sch, claimed, err)
	}
	s.ledger.Invalidate(ctx, sch.MemberID)
	s.metrics.MileageEarned(step.kind, amount)
	s.logger.Info("Mileage earned",
		zap.String("schedule", sch.ID.String()),
		zap.String("kind", step.kind),
		zap.Int64("points", amount),
	)
	return s.schedules.Get(ctx, sch.ID)
}

// fail parks the schedule in FAILED and returns cause.
func (s *EarningService) fail(ctx context.Context, sch *model.EarningSchedule, from model.ScheduleStatus, cause error) error {
	s.metrics.EarningFailed()
	s.logger.Error("Earning schedule failed",
		zap.String("schedule", sch.ID.String()),
		zap.String("state", string(from)),
		zap.Error(cause),
	)
	if _, err := s.markFailed(ctx, sch, from, cause); err != nil {
		s.logger.Error("Could not mark schedule failed", zap.String("schedule", sch.ID.String()), zap.Error(err))
	}
	return fmt.Errorf("schedule %s: %w", sch.ID, cause)
}

// markFailed moves the schedule from -> FAILED with an EARNING_FAILED event. false means
// the row had already left from.
func (s *EarningService) markFailed(ctx context.Context, sch *model.EarningSchedule, from model.ScheduleStatus, cause error) (bool, error) {
	var failed bool
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.schedules.UpdateStatus(ctx, sch.ID, from, model.ScheduleFailed, model.ScheduleUpdate{
			ErrorMessage:   cause.Error(),
			IncrementRetry: true,
			At:             s.now(),
		})
		if err != nil || !ok {
			return err
		}
		failed = true
		_, err = s.outbox.Record(ctx, model.EventEarningFailed, model.AggregateSchedule, sch.ID.String(), map[string]any{
			"scheduleId": sch.ID,
			"purchaseId": sch.PurchaseID,
			"memberId":   sch.MemberID,
			"error":      cause.Error(),
		})
		return err
	})
	return failed && err == nil, err
}

// RecoverStuck fails schedules whose claimed step has not finished within the processing
// timeout, so the retry job can resume them. The booking transaction is atomic, so such
// a row has nothing of the claimed step on the ledger.
func (s *EarningService) RecoverStuck(ctx context.Context) (int, error) {
	if s.cfg.ProcessingTimeout <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.ProcessingTimeout)
	stale, err := s.schedules.ListStale(ctx, cutoff, s.cfg.BatchSize, model.ScheduleBaseProcessing, model.ScheduleCompensationProcessing)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range stale {
		sch := &stale[i]
		cause := fmt.Errorf("%w: %s since %s", model.ErrProcessingTimeout, sch.Status, sch.UpdatedAt.Format(time.RFC3339))
		ok, err := s.markFailed(ctx, sch, sch.Status, cause)
		if err != nil {
			s.logger.Error("Could not fail stuck schedule", zap.String("schedule", sch.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		s.metrics.EarningFailed()
		s.logger.Warn("Stuck earning schedule failed",
			zap.String("schedule", sch.ID.String()),
			zap.String("state", string(sch.Status)),
			zap.Time("since", sch.UpdatedAt),
		)
	}
	return recovered, nil
}

// ProcessPending works through READY and compensation-pending schedules with bounded
// concurrency. Per-schedule errors are logged, not returned.
func (s *EarningService) ProcessPending(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ready, err := s.schedules.FetchByStatus(ctx, model.ScheduleReady, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		comp, err := s.schedules.FetchByStatus(ctx, model.ScheduleBaseCompleted, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		ids = append(ready, comp...)
		return nil
	})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.ProcessSchedule(gctx, id); err != nil {
				s.logger.Error("Process schedule failed", zap.String("schedule", id.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), nil
}

// RetryFailed is the operator retry of a FAILED schedule. Processing resumes where it
// stopped: READY when the base entry is missing, BASE_COMPLETED otherwise.
func (s *EarningService) RetryFailed(ctx context.Context, id uuid.UUID) error {
	sch, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if err = s.resume(ctx, sch); err != nil {
		return err
	}
	return s.ProcessSchedule(ctx, id)
}

func (s *EarningService) resume(ctx context.Context, sch *model.EarningSchedule) error {
	next, err := sch.Next(model.EventScheduleRetried)
	if err != nil {
		return err
	}
	ok, err := s.schedules.UpdateStatus(ctx, sch.ID, model.ScheduleFailed, next, model.ScheduleUpdate{At: s.now()})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: schedule %s", model.ErrConcurrentUpdate, sch.ID)
	}
	s.logger.Info("Earning schedule resumed", zap.String("schedule", sch.ID.String()), zap.String("state", string(next)))
	return nil
}

// RetryFailedBatch resumes FAILED schedules that still have retries left. The pending
// poller picks them up afterwards.
func (s *EarningService) RetryFailedBatch(ctx context.Context) (int, error) {
	failed, err := s.schedules.ListFailed(ctx, s.cfg.MaxRetry, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range failed {
		if err = s.resume(ctx, &failed[i]); err != nil {
			s.logger.Warn("Schedule not resumed", zap.String("schedule", failed[i].ID.String()), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// UpdateDelayInfo sets the reported delay of a schedule that has not started earning.
func (s *EarningService) UpdateDelayInfo(ctx context.Context, id uuid.UUID, delayMinutes int) (*model.EarningSchedule, error) {
	if delayMinutes < 0 {
		return nil, &model.ValidationError{Field: "delayMinutes", Reason: "must not be negative"}
	}
	sch, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sch.Status.Cancellable() {
		return nil, &model.TransitionError{Machine: "earning schedule", From: string(sch.Status), Event: "update-delay"}
	}
	rate := model.DelayCompensationRate(delayMinutes)
	if rate == 0 {
		return sch, nil
	}
	ok, err := s.schedules.UpdateDelayInfo(ctx, id, delayMinutes, rate, model.ApplyRate(sch.OriginalAmount, rate), s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: schedule %s", model.ErrConcurrentUpdate, id)
	}
	return s.schedules.Get(ctx, id)
}

// CancelForPurchase cancels the purchase's schedules that have not started earning.
// It joins the caller's transaction.
func (s *EarningService) CancelForPurchase(ctx context.Context, purchaseID string) (int, error) {
	list, err := s.schedules.ListByPurchase(ctx, purchaseID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, sch := range list {
		if !sch.Status.Cancellable() {
			continue
		}
		next, err := sch.Next(model.EventScheduleCancelled)
		if err != nil {
			return cancelled, err
		}
		now := s.now()
		ok, err := s.schedules.UpdateStatus(ctx, sch.ID, sch.Status, next, model.ScheduleUpdate{At: now, ProcessedAt: &now})
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// Cleanup deletes FULLY_COMPLETED schedules past the retention horizon.
func (s *EarningService) Cleanup(ctx context.Context) (int64, error) {
	return s.schedules.DeleteCompletedBefore(ctx, s.now().Add(-s.cfg.Retention))
}

func (s *EarningService) Get(ctx context.Context, id uuid.UUID) (*model.EarningSchedule, error) {
	return s.schedules.Get(ctx, id)
}

func (s *EarningService) GetByPurchase(ctx context.Context, purchaseID string, memberID int64) (*model.EarningSchedule, error) {
	return s.schedules.GetByPurchase(ctx, purchaseID, memberID)
}

func (s *EarningService) ListByMember(ctx context.Context, memberID int64) ([]model.EarningSchedule, error) {
	return s.schedules.ListByMember(ctx, memberID)
}

func (s *EarningService) PendingMileage(ctx context.Context, memberID int64) (int64, error) {
	return s.schedules.PendingMileage(ctx, memberID)
}

func (s *EarningService) Statistics(ctx context.Context, from, to time.Time) (*model.EarningStatistics, error) {
	if !to.After(from) {
		return nil, &model.ValidationError{Field: "to", Reason: "must be after from"}
	}
	return s.schedules.Statistics(ctx, from, to)
}
