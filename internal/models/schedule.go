package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	ScheduleScheduled              ScheduleStatus = "SCHEDULED"
	ScheduleReady                  ScheduleStatus = "READY"
	ScheduleBaseProcessing         ScheduleStatus = "BASE_PROCESSING"
	ScheduleBaseCompleted          ScheduleStatus = "BASE_COMPLETED"
	ScheduleCompensationProcessing ScheduleStatus = "COMPENSATION_PROCESSING"
	ScheduleFullyCompleted         ScheduleStatus = "FULLY_COMPLETED"
	ScheduleFailed                 ScheduleStatus = "FAILED"
	ScheduleCancelled              ScheduleStatus = "CANCELLED"
)

// Events that drive an earning schedule.
type ScheduleEvent string

const (
	EventArrived            ScheduleEvent = "arrived"
	EventClaimBase          ScheduleEvent = "claim-base"
	EventBaseEarned         ScheduleEvent = "base-earned"
	EventClaimCompensation  ScheduleEvent = "claim-compensation"
	EventCompensationEarned ScheduleEvent = "compensation-earned"
	EventScheduleFailed     ScheduleEvent = "fail"
	EventScheduleCancelled  ScheduleEvent = "cancel"
	EventScheduleRetried    ScheduleEvent = "retry"
)

const (
	BaseMileageRate          = 0.01
	DelayCompensationMinimum = 20
)

// Earning schedule - deferred reward for one purchase, released on arrival
type EarningSchedule struct {
	ID                        uuid.UUID      `json:"id"`
	PurchaseID                string         `json:"purchaseId"`
	MemberID                  int64          `json:"memberId"`
	TrainScheduleID           string         `json:"trainScheduleId"`
	OriginalAmount            int64          `json:"originalAmount"` // ticket price
	BaseMileageAmount         int64          `json:"baseMileageAmount"`
	DelayCompensationRate     float64        `json:"delayCompensationRate"`
	DelayCompensationAmount   int64          `json:"delayCompensationAmount"`
	TotalMileageAmount        int64          `json:"totalMileageAmount"`
	ScheduledEarningTime      time.Time      `json:"scheduledEarningTime"` // expected arrival
	Status                    ScheduleStatus `json:"status"`
	DelayMinutes              int            `json:"delayMinutes"`
	BaseTransactionID         *uuid.UUID     `json:"baseTransactionId,omitempty"`
	CompensationTransactionID *uuid.UUID     `json:"compensationTransactionId,omitempty"`
	RetryCount                int            `json:"retryCount"`
	ErrorMessage              string         `json:"errorMessage"`
	CreatedAt                 time.Time      `json:"createdAt"`
	UpdatedAt                 time.Time      `json:"updatedAt"`
	ProcessedAt               *time.Time     `json:"processedAt,omitempty"`
}

func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleFullyCompleted, ScheduleFailed, ScheduleCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a refund may still cancel the schedule.
// Later states are left to finish, rewards may already be in flight.
func (s ScheduleStatus) Cancellable() bool {
	return s == ScheduleScheduled || s == ScheduleReady
}

// HasPendingCompensation reports whether the compensation branch still has to run.
func (e *EarningSchedule) HasPendingCompensation() bool {
	return e.DelayCompensationAmount > 0 && e.CompensationTransactionID == nil
}

// Next returns the status the event leads to, or a *TransitionError.
func (e *EarningSchedule) Next(ev ScheduleEvent) (ScheduleStatus, error) {
	from := e.Status
	switch {
	case ev == EventArrived && from == ScheduleScheduled:
		return ScheduleReady, nil
	case ev == EventClaimBase && from == ScheduleReady:
		return ScheduleBaseProcessing, nil
	case ev == EventBaseEarned && from == ScheduleBaseProcessing:
		if e.DelayCompensationAmount > 0 {
			return ScheduleBaseCompleted, nil
		}
		return ScheduleFullyCompleted, nil
	case ev == EventClaimCompensation && from == ScheduleBaseCompleted:
		return ScheduleCompensationProcessing, nil
	case ev == EventCompensationEarned && from == ScheduleCompensationProcessing:
		return ScheduleFullyCompleted, nil
	case ev == EventScheduleFailed && !from.Terminal():
		return ScheduleFailed, nil
	case ev == EventScheduleCancelled && !from.Terminal():
		return ScheduleCancelled, nil
	case ev == EventScheduleRetried && from == ScheduleFailed:
		// the base entry decides where processing resumes
		if e.BaseTransactionID == nil {
			return ScheduleReady, nil
		}
		if e.HasPendingCompensation() {
			return ScheduleBaseCompleted, nil
		}
	}
	return from, &TransitionError{Machine: "earning schedule", From: string(from), Event: string(ev)}
}

// BaseMileage is 1% of the purchase amount, rounded down.
func BaseMileage(amount int64) int64 {
	return amount / 100
}

// DelayCompensationRate maps reported delay minutes to a compensation tier.
func DelayCompensationRate(delayMinutes int) float64 {
	switch {
	case delayMinutes >= 60:
		return 0.5
	case delayMinutes >= 40:
		return 0.25
	case delayMinutes >= DelayCompensationMinimum:
		return 0.125
	}
	return 0
}

// ApplyRate returns floor(amount * rate). The epsilon absorbs binary representation
// error of decimal rates (100 * 0.29 is 28.999...).
func ApplyRate(amount int64, rate float64) int64 {
	return int64(math.Floor(float64(amount)*rate + 1e-9))
}

// NewEarningSchedule builds a SCHEDULED row for a completed purchase.
func NewEarningSchedule(p PurchaseCompleted, now time.Time) (*EarningSchedule, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	base := BaseMileage(p.Amount)
	return &EarningSchedule{
		ID:                   uuid.New(),
		PurchaseID:           p.PurchaseID,
		MemberID:             p.MemberID,
		TrainScheduleID:      p.TrainScheduleID,
		OriginalAmount:       p.Amount,
		BaseMileageAmount:    base,
		TotalMileageAmount:   base,
		ScheduledEarningTime: p.ExpectedArrival,
		Status:               ScheduleScheduled,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// Purchase completion signal
type PurchaseCompleted struct {
	PurchaseID      string    `json:"purchaseId"`
	MemberID        int64     `json:"memberId"`
	Amount          int64     `json:"amount"`
	TrainScheduleID string    `json:"trainScheduleId"`
	ExpectedArrival time.Time `json:"expectedArrival"`
	Route           string    `json:"route"`
}

func (p PurchaseCompleted) Validate() error {
	switch {
	case p.PurchaseID == "":
		return invalid("purchaseId", "is required")
	case p.MemberID <= 0:
		return invalid("memberId", "must be positive")
	case p.Amount <= 0:
		return invalid("amount", "must be positive")
	case p.TrainScheduleID == "":
		return invalid("trainScheduleId", "is required")
	case p.ExpectedArrival.IsZero():
		return invalid("expectedArrival", "is required")
	}
	return nil
}

// Train arrival/delay signal
type TrainArrival struct {
	TrainScheduleID string    `json:"trainScheduleId"`
	ArrivalTime     time.Time `json:"arrivalTime"`
	DelayMinutes    int       `json:"delayMinutes"`
}

func (a TrainArrival) Validate() error {
	switch {
	case a.TrainScheduleID == "":
		return invalid("trainScheduleId", "is required")
	case a.ArrivalTime.IsZero():
		return invalid("arrivalTime", "is required")
	case a.DelayMinutes < 0:
		return invalid("delayMinutes", "must not be negative")
	}
	return nil
}

// Field changes applied together with a status CAS
type ScheduleUpdate struct {
	BaseTransactionID         *uuid.UUID
	CompensationTransactionID *uuid.UUID
	ErrorMessage              string
	IncrementRetry            bool
	ProcessedAt               *time.Time
	At                        time.Time
}

// Earning statistics over a time range
type EarningStatistics struct {
	From                time.Time
	To                  time.Time
	Schedules           int64
	FullyCompleted      int64
	Failed              int64
	Cancelled           int64
	Delayed             int64
	BaseMileageEarned   int64
	CompensationEarned  int64
	AverageDelayMinutes float64
	CompensationByRate  map[float64]int64
}
