package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flatPolicy float64

func (p flatPolicy) CalculateRate(_, _, _ time.Time) float64 { return float64(p) }

func TestRefundDeadline(t *testing.T) {
	departure := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	arrival := departure.Add(2 * time.Hour)

	tests := []struct {
		name    string
		request time.Time
		delay   int
		denied  bool
	}{
		{"one second before arrival", arrival.Add(-time.Second), 0, false},
		{"exactly at arrival", arrival, 0, false},
		{"one second after arrival", arrival.Add(time.Second), 0, true},
		{"inside extended deadline", arrival.Add(20 * time.Minute), 30, false},
		{"after extended deadline", arrival.Add(40 * time.Minute), 30, true},
	}
	for _, ts := range tests {
		t.Run(ts.name, func(t *testing.T) {
			res, err := CalculateRefundFee(flatPolicy(0.1), FeeInput{
				PurchaseID:     "P-1",
				OriginalAmount: 50000,
				DepartureTime:  departure,
				ArrivalTime:    arrival,
				RequestTime:    ts.request,
				DelayMinutes:   ts.delay,
				RefundType:     RefundCancel,
			})
			if !ts.denied {
				require.NoError(t, err)
				require.Equal(t, int64(5000), res.Fee)
				require.Equal(t, int64(45000), res.RefundAmount)
				return
			}
			var denied *RefundDeniedError
			require.ErrorAs(t, err, &denied)
			require.ErrorIs(t, err, ErrRefundDenied)
			require.Equal(t, RefundDeadline(arrival, ts.delay), denied.Deadline)
			require.Contains(t, err.Error(), denied.Deadline.Format(time.RFC3339))
		})
	}
}

func TestRefundFeeChangeIsFree(t *testing.T) {
	arrival := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	res, err := CalculateRefundFee(nil, FeeInput{
		OriginalAmount: 30000,
		ArrivalTime:    arrival,
		RequestTime:    arrival.Add(time.Hour),
		RefundType:     RefundChange,
	})
	require.NoError(t, err)
	require.Equal(t, FeeResult{RefundAmount: 30000}, res)
}

func TestRefundFeeRejectsBadRate(t *testing.T) {
	arrival := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	_, err := CalculateRefundFee(flatPolicy(1.5), FeeInput{
		OriginalAmount: 30000,
		ArrivalTime:    arrival,
		RequestTime:    arrival.Add(-time.Hour),
		RefundType:     RefundCancel,
	})
	require.Error(t, err)
}

func TestRefundTransitions(t *testing.T) {
	tests := []struct {
		from     RefundStatus
		event    RefundEvent
		expected RefundStatus
		ok       bool
	}{
		{RefundPending, EventRefundStart, RefundProcessing, true},
		{RefundUnknown, EventRefundStart, RefundProcessing, true},
		{RefundProcessing, EventRefundSucceed, RefundCompleted, true},
		{RefundProcessing, EventRefundFail, RefundFailed, true},
		{RefundProcessing, EventRefundAmbiguous, RefundUnknown, true},
		{RefundPending, EventRefundCancel, RefundCancelled, true},
		{RefundUnknown, EventRefundExpire, RefundFailed, true},
		{RefundProcessing, EventRefundCancel, RefundProcessing, false},
		{RefundCompleted, EventRefundStart, RefundCompleted, false},
		{RefundFailed, EventRefundExpire, RefundFailed, false},
	}
	for _, ts := range tests {
		next, err := ts.from.Next(ts.event)
		require.Equal(t, ts.expected, next, "%s --%s-->", ts.from, ts.event)
		if ts.ok {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrIllegalTransition)
		}
	}
}
