package models

import (
	"fmt"
	"time"
)

// FeePolicy is the operator-specific cancellation fee schedule.
type FeePolicy interface {
	CalculateRate(departure, arrival, now time.Time) float64
}

type FeeInput struct {
	PurchaseID     string
	OriginalAmount int64
	DepartureTime  time.Time
	ArrivalTime    time.Time
	RequestTime    time.Time
	DelayMinutes   int
	RefundType     RefundType
}

type FeeResult struct {
	Rate         float64
	Fee          int64
	RefundAmount int64
}

// RefundDeadline is the arrival time extended by the reported delay.
func RefundDeadline(arrival time.Time, delayMinutes int) time.Time {
	return arrival.Add(time.Duration(delayMinutes) * time.Minute)
}

// CalculateRefundFee applies the cancellation rules. A request after the deadline is
// denied outright with a *RefundDeniedError, it is not a fee tier.
func CalculateRefundFee(policy FeePolicy, in FeeInput) (FeeResult, error) {
	if in.RefundType == RefundChange {
		return FeeResult{RefundAmount: in.OriginalAmount}, nil
	}
	deadline := RefundDeadline(in.ArrivalTime, in.DelayMinutes)
	if in.RequestTime.After(deadline) {
		return FeeResult{}, &RefundDeniedError{
			PurchaseID:  in.PurchaseID,
			Deadline:    deadline,
			RequestedAt: in.RequestTime,
		}
	}
	if policy == nil {
		return FeeResult{}, invalid("operator", "no fee policy")
	}
	rate := policy.CalculateRate(in.DepartureTime, in.ArrivalTime, in.RequestTime)
	if rate < 0 || rate > 1 {
		return FeeResult{}, fmt.Errorf("fee policy returned rate %v out of [0,1]", rate)
	}
	fee := ApplyRate(in.OriginalAmount, rate)
	return FeeResult{Rate: rate, Fee: fee, RefundAmount: in.OriginalAmount - fee}, nil
}
