package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
)

// Schedules is the mileage_earning_schedules table.
type Schedules struct{ s *Store }

func (s *Store) Schedules() Schedules { return Schedules{s} }

func (t Schedules) Create(ctx context.Context, e *model.EarningSchedule) error {
	s := t.s
	defer s.lock(ctx)()
	for _, other := range s.schedules {
		if other.PurchaseID == e.PurchaseID && other.MemberID == e.MemberID {
			return model.ErrDuplicate
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.schedules[e.ID] = *e
	s.remember(e.ID)
	return nil
}

func (t Schedules) Get(ctx context.Context, id uuid.UUID) (*model.EarningSchedule, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.schedules[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

func (t Schedules) filter(keep func(model.EarningSchedule) bool) []model.EarningSchedule {
	s := t.s
	var out []model.EarningSchedule
	for _, e := range s.schedules {
		if keep(e) {
			out = append(out, e)
		}
	}
	sortBy(out, func(e model.EarningSchedule) (uuid.UUID, time.Time) { return e.ID, e.CreatedAt }, s)
	return out
}

func (t Schedules) GetByPurchase(ctx context.Context, purchaseID string, memberID int64) (*model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	found := t.filter(func(e model.EarningSchedule) bool {
		return e.PurchaseID == purchaseID && e.MemberID == memberID
	})
	if len(found) == 0 {
		return nil, model.ErrNotFound
	}
	return &found[0], nil
}

func (t Schedules) ListByPurchase(ctx context.Context, purchaseID string) ([]model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	return t.filter(func(e model.EarningSchedule) bool { return e.PurchaseID == purchaseID }), nil
}

func (t Schedules) ListByMember(ctx context.Context, memberID int64) ([]model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	return t.filter(func(e model.EarningSchedule) bool { return e.MemberID == memberID }), nil
}

func (t Schedules) ListByTrain(ctx context.Context, trainScheduleID string, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	return t.filter(func(e model.EarningSchedule) bool {
		return e.TrainScheduleID == trainScheduleID && (len(statuses) == 0 || slices.Contains(statuses, e.Status))
	}), nil
}

func (t Schedules) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.ScheduleStatus, upd model.ScheduleUpdate) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.schedules[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = upd.At
	if upd.BaseTransactionID != nil {
		e.BaseTransactionID = upd.BaseTransactionID
	}
	if upd.CompensationTransactionID != nil {
		e.CompensationTransactionID = upd.CompensationTransactionID
	}
	if upd.ErrorMessage != "" {
		e.ErrorMessage = upd.ErrorMessage
	}
	if upd.IncrementRetry {
		e.RetryCount++
	}
	if upd.ProcessedAt != nil {
		e.ProcessedAt = upd.ProcessedAt
	}
	s.schedules[id] = e
	return true, nil
}

// UpdateDelayInfo only touches rows that have not started earning.
func (t Schedules) UpdateDelayInfo(ctx context.Context, id uuid.UUID, delayMinutes int, rate float64, compensation int64, at time.Time) (bool, error) {
	s := t.s
	defer s.lock(ctx)()
	e, ok := s.schedules[id]
	if !ok || !e.Status.Cancellable() {
		return false, nil
	}
	e.DelayMinutes = delayMinutes
	e.DelayCompensationRate = rate
	e.DelayCompensationAmount = compensation
	e.TotalMileageAmount = e.BaseMileageAmount + compensation
	e.UpdatedAt = at
	s.schedules[id] = e
	return true, nil
}

func (t Schedules) DueScheduled(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	defer t.s.lock(ctx)()
	found := t.filter(func(e model.EarningSchedule) bool {
		return e.Status == model.ScheduleScheduled && !e.ScheduledEarningTime.After(now)
	})
	return ids(found, limit), nil
}

func (t Schedules) FetchByStatus(ctx context.Context, status model.ScheduleStatus, limit int) ([]uuid.UUID, error) {
	defer t.s.lock(ctx)()
	found := t.filter(func(e model.EarningSchedule) bool { return e.Status == status })
	return ids(found, limit), nil
}

func (t Schedules) ListFailed(ctx context.Context, maxRetry int, limit int) ([]model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	found := t.filter(func(e model.EarningSchedule) bool {
		return e.Status == model.ScheduleFailed && e.RetryCount < maxRetry
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (t Schedules) ListStale(ctx context.Context, before time.Time, limit int, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error) {
	defer t.s.lock(ctx)()
	found := t.filter(func(e model.EarningSchedule) bool {
		return slices.Contains(statuses, e.Status) && e.UpdatedAt.Before(before)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (t Schedules) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	s := t.s
	defer s.lock(ctx)()
	var n int64
	for id, e := range s.schedules {
		if e.Status == model.ScheduleFullyCompleted && e.UpdatedAt.Before(before) {
			delete(s.schedules, id)
			n++
		}
	}
	return n, nil
}

func (t Schedules) PendingMileage(ctx context.Context, memberID int64) (int64, error) {
	s := t.s
	defer s.lock(ctx)()
	var sum int64
	for _, e := range s.schedules {
		if e.MemberID != memberID {
			continue
		}
		switch e.Status {
		case model.ScheduleScheduled, model.ScheduleReady, model.ScheduleBaseProcessing:
			sum += e.TotalMileageAmount
		case model.ScheduleBaseCompleted, model.ScheduleCompensationProcessing:
			sum += e.DelayCompensationAmount
		}
	}
	return sum, nil
}

func (t Schedules) Statistics(ctx context.Context, from, to time.Time) (*model.EarningStatistics, error) {
	s := t.s
	defer s.lock(ctx)()
	st := &model.EarningStatistics{From: from, To: to, CompensationByRate: map[float64]int64{}}
	var delaySum int64
	for _, e := range s.schedules {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		st.Schedules++
		switch e.Status {
		case model.ScheduleFullyCompleted:
			st.FullyCompleted++
		case model.ScheduleFailed:
			st.Failed++
		case model.ScheduleCancelled:
			st.Cancelled++
		}
		if e.DelayMinutes > 0 {
			st.Delayed++
			delaySum += int64(e.DelayMinutes)
		}
		if e.BaseTransactionID != nil {
			st.BaseMileageEarned += e.BaseMileageAmount
		}
		if e.CompensationTransactionID != nil {
			st.CompensationEarned += e.DelayCompensationAmount
			st.CompensationByRate[e.DelayCompensationRate] += e.DelayCompensationAmount
		}
	}
	if st.Delayed > 0 {
		st.AverageDelayMinutes = float64(delaySum) / float64(st.Delayed)
	}
	return st, nil
}

func ids(rows []model.EarningSchedule, limit int) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, e := range rows {
		if len(out) == limit {
			break
		}
		out = append(out, e.ID)
	}
	return out
}
