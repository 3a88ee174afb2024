package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

const (
	EventTrainArrived            = "TRAIN_ARRIVED"
	EventTrainDelayed            = "TRAIN_DELAYED"
	EventEarningReady            = "EARNING_READY"
	EventMileageEarned           = "MILEAGE_EARNED"
	EventDelayCompensationEarned = "DELAY_COMPENSATION_EARNED"
	EventEarningFailed           = "EARNING_FAILED"
	EventRefundDenied            = "REFUND_DENIED"
	EventRefundCompleted         = "REFUND_COMPLETED"
	EventRefundFailed            = "REFUND_FAILED"
	EventRefundUnknown           = "REFUND_UNKNOWN"
	EventPurchaseRefunded        = "PURCHASE_REFUNDED"
)

const (
	AggregateTrain    = "TRAIN_SCHEDULE"
	AggregateSchedule = "EARNING_SCHEDULE"
	AggregateRefund   = "REFUND"
	AggregatePurchase = "PURCHASE"
	AggregateMember   = "MEMBER"
)

// Outbox event - durable record of a fact for at-least-once delivery
type OutboxEvent struct {
	ID            uuid.UUID
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	Status        OutboxStatus
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

// Decode unmarshals the payload into v.
func (e OutboxEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Payload of EARNING_READY
type EarningReadyPayload struct {
	ScheduleID uuid.UUID `json:"scheduleId"`
	PurchaseID string    `json:"purchaseId"`
	MemberID   int64     `json:"memberId"`
}

// Payload of MILEAGE_EARNED and DELAY_COMPENSATION_EARNED
type MileageEarnedPayload struct {
	ScheduleID    uuid.UUID `json:"scheduleId"`
	TransactionID uuid.UUID `json:"transactionId"`
	MemberID      int64     `json:"memberId"`
	PurchaseID    string    `json:"purchaseId"`
	Points        int64     `json:"points"`
}

// Payload of REFUND_* and PURCHASE_REFUNDED
type RefundEventPayload struct {
	RefundID     uuid.UUID    `json:"refundId"`
	PurchaseID   string       `json:"purchaseId"`
	MemberID     int64        `json:"memberId"`
	Status       RefundStatus `json:"status"`
	RefundAmount int64        `json:"refundAmount"`
	RefundFee    int64        `json:"refundFee"`
	Reason       string       `json:"reason,omitempty"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
}
