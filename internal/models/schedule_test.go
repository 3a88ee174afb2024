package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDelayCompensationRate(t *testing.T) {
	tests := []struct {
		minutes  int
		expected float64
	}{
		{0, 0},
		{10, 0},
		{19, 0},
		{20, 0.125},
		{25, 0.125},
		{39, 0.125},
		{40, 0.25},
		{45, 0.25},
		{59, 0.25},
		{60, 0.5},
		{70, 0.5},
		{300, 0.5},
	}
	for _, ts := range tests {
		require.Equal(t, ts.expected, DelayCompensationRate(ts.minutes), "minutes=%d", ts.minutes)
	}
}

func TestMileageRounding(t *testing.T) {
	require.Equal(t, int64(598), BaseMileage(59800))
	require.Equal(t, int64(0), BaseMileage(99))
	require.Equal(t, int64(7475), ApplyRate(59800, 0.125))
	require.Equal(t, int64(12), ApplyRate(99, 0.125))
	require.Equal(t, int64(29900), ApplyRate(59800, 0.5))
	require.Equal(t, int64(29), ApplyRate(100, 0.29))
}

func TestScheduleTransitions(t *testing.T) {
	base := uuid.New()
	tests := []struct {
		name     string
		schedule EarningSchedule
		event    ScheduleEvent
		expected ScheduleStatus
		illegal  bool
	}{
		{"arrival", EarningSchedule{Status: ScheduleScheduled}, EventArrived, ScheduleReady, false},
		{"claim base", EarningSchedule{Status: ScheduleReady}, EventClaimBase, ScheduleBaseProcessing, false},
		{"base without compensation", EarningSchedule{Status: ScheduleBaseProcessing}, EventBaseEarned, ScheduleFullyCompleted, false},
		{"base with compensation", EarningSchedule{Status: ScheduleBaseProcessing, DelayCompensationAmount: 10}, EventBaseEarned, ScheduleBaseCompleted, false},
		{"claim compensation", EarningSchedule{Status: ScheduleBaseCompleted}, EventClaimCompensation, ScheduleCompensationProcessing, false},
		{"compensation earned", EarningSchedule{Status: ScheduleCompensationProcessing}, EventCompensationEarned, ScheduleFullyCompleted, false},
		{"cancel ready", EarningSchedule{Status: ScheduleReady}, EventScheduleCancelled, ScheduleCancelled, false},
		{"fail processing", EarningSchedule{Status: ScheduleBaseProcessing}, EventScheduleFailed, ScheduleFailed, false},
		{"retry before base", EarningSchedule{Status: ScheduleFailed}, EventScheduleRetried, ScheduleReady, false},
		{"retry after base", EarningSchedule{Status: ScheduleFailed, BaseTransactionID: &base, DelayCompensationAmount: 5}, EventScheduleRetried, ScheduleBaseCompleted, false},
		{"retry with nothing left", EarningSchedule{Status: ScheduleFailed, BaseTransactionID: &base}, EventScheduleRetried, ScheduleFailed, true},
		{"claim twice", EarningSchedule{Status: ScheduleBaseProcessing}, EventClaimBase, ScheduleBaseProcessing, true},
		{"skip ready", EarningSchedule{Status: ScheduleScheduled}, EventClaimBase, ScheduleScheduled, true},
		{"completed is terminal", EarningSchedule{Status: ScheduleFullyCompleted}, EventScheduleFailed, ScheduleFullyCompleted, true},
		{"cancelled is terminal", EarningSchedule{Status: ScheduleCancelled}, EventArrived, ScheduleCancelled, true},
	}
	for _, ts := range tests {
		t.Run(ts.name, func(t *testing.T) {
			next, err := ts.schedule.Next(ts.event)
			require.Equal(t, ts.expected, next)
			if ts.illegal {
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
				require.True(t, errors.Is(err, ErrIllegalTransition))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewEarningSchedule(t *testing.T) {
	arrival := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewEarningSchedule(PurchaseCompleted{
		PurchaseID:      "P-1",
		MemberID:        7,
		Amount:          59800,
		TrainScheduleID: "KTX-101",
		ExpectedArrival: arrival,
	}, arrival.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, ScheduleScheduled, s.Status)
	require.Equal(t, int64(598), s.BaseMileageAmount)
	require.Equal(t, int64(598), s.TotalMileageAmount)
	require.Equal(t, arrival, s.ScheduledEarningTime)

	_, err = NewEarningSchedule(PurchaseCompleted{PurchaseID: "P-2", MemberID: 7, Amount: -1}, arrival)
	require.ErrorIs(t, err, ErrValidation)
}
