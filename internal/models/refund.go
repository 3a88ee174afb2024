package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RefundType string

const (
	RefundChange RefundType = "CHANGE"
	RefundCancel RefundType = "CANCEL"
	RefundFull   RefundType = "FULL"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundUnknown    RefundStatus = "UNKNOWN"
	RefundFailed     RefundStatus = "FAILED"
	RefundCancelled  RefundStatus = "CANCELLED"
)

type RefundEvent string

const (
	EventRefundStart     RefundEvent = "start"
	EventRefundSucceed   RefundEvent = "succeed"
	EventRefundFail      RefundEvent = "fail"
	EventRefundAmbiguous RefundEvent = "ambiguous"
	EventRefundCancel    RefundEvent = "cancel"
	EventRefundExpire    RefundEvent = "expire"
)

// Refund calculation - one per purchase
type RefundCalculation struct {
	ID                   uuid.UUID    `json:"id"`
	PurchaseID           string       `json:"purchaseId"`
	MemberID             int64        `json:"memberId"`
	TrainScheduleID      string       `json:"trainScheduleId"`
	Operator             string       `json:"operator"`
	PaymentTransactionID string       `json:"paymentTransactionId"` // gateway transaction of the original payment
	OriginalAmount       int64        `json:"originalAmount"`
	MileageUsed          int64        `json:"mileageUsed"`
	RefundFeeRate        float64      `json:"refundFeeRate"`
	RefundFee            int64        `json:"refundFee"`
	RefundAmount         int64        `json:"refundAmount"`
	MileageRefundAmount  int64        `json:"mileageRefundAmount"`
	DepartureTime        time.Time    `json:"departureTime"`
	ArrivalTime          time.Time    `json:"arrivalTime"`
	RequestTime          time.Time    `json:"requestTime"`
	DelayMinutes         int          `json:"delayMinutes"`
	RefundType           RefundType   `json:"refundType"`
	Status               RefundStatus `json:"status"`
	Reason               string       `json:"reason"`
	IdempotencyKey       string       `json:"idempotencyKey"`
	GatewayTransactionID string       `json:"gatewayTransactionId"`
	ApprovalNo           string       `json:"approvalNo"`
	FailureReason        string       `json:"failureReason"`
	RetryCount           int          `json:"retryCount"`
	UnknownSince         *time.Time   `json:"unknownSince,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	ProcessedAt          *time.Time   `json:"processedAt,omitempty"`
}

func (s RefundStatus) Terminal() bool {
	switch s {
	case RefundCompleted, RefundFailed, RefundCancelled:
		return true
	}
	return false
}

// Next returns the status the event leads to, or a *TransitionError.
func (s RefundStatus) Next(ev RefundEvent) (RefundStatus, error) {
	switch {
	case ev == EventRefundStart && (s == RefundPending || s == RefundUnknown):
		return RefundProcessing, nil
	case ev == EventRefundSucceed && s == RefundProcessing:
		return RefundCompleted, nil
	case ev == EventRefundFail && s == RefundProcessing:
		return RefundFailed, nil
	case ev == EventRefundAmbiguous && s == RefundProcessing:
		return RefundUnknown, nil
	case ev == EventRefundCancel && s == RefundPending:
		return RefundCancelled, nil
	case ev == EventRefundExpire && s == RefundUnknown:
		return RefundFailed, nil
	}
	return s, &TransitionError{Machine: "refund", From: string(s), Event: string(ev)}
}

// Refund request from a client
type RefundRequest struct {
	PurchaseID           string     `json:"purchaseId"`
	MemberID             int64      `json:"memberId"`
	TrainScheduleID      string     `json:"trainScheduleId"`
	Operator             string     `json:"operator"`
	PaymentTransactionID string     `json:"paymentTransactionId"`
	OriginalAmount       int64      `json:"originalAmount"`
	MileageUsed          int64      `json:"mileageUsed"`
	DepartureTime        time.Time  `json:"departureTime"`
	ArrivalTime          time.Time  `json:"arrivalTime"`
	DelayMinutes         int        `json:"delayMinutes"`
	RefundType           RefundType `json:"refundType"`
	Reason               string     `json:"reason"`
	IdempotencyKey       string     `json:"idempotencyKey,omitempty"`
}

func (r RefundRequest) Validate() error {
	switch {
	case r.PurchaseID == "":
		return invalid("purchaseId", "is required")
	case r.MemberID <= 0:
		return invalid("memberId", "must be positive")
	case r.OriginalAmount <= 0:
		return invalid("originalAmount", "must be positive")
	case r.MileageUsed < 0:
		return invalid("mileageUsed", "must not be negative")
	case r.DelayMinutes < 0:
		return invalid("delayMinutes", "must not be negative")
	case r.DepartureTime.IsZero() || r.ArrivalTime.IsZero():
		return invalid("departureTime", "departure and arrival are required")
	case r.ArrivalTime.Before(r.DepartureTime):
		return invalid("arrivalTime", "is before departure")
	}
	switch r.RefundType {
	case RefundChange, RefundCancel, RefundFull:
	default:
		return invalid("refundType", fmt.Sprintf("unknown type %q", r.RefundType))
	}
	return nil
}

// IdempotencyKeyFor derives a key from the purchase id, the request second and a suffix.
func IdempotencyKeyFor(purchaseID string, at time.Time, suffix string) string {
	return fmt.Sprintf("%s_%s_%s", purchaseID, at.UTC().Format("20060102150405"), suffix)
}

// Field changes applied together with a status CAS
type RefundUpdate struct {
	GatewayTransactionID string
	ApprovalNo           string
	FailureReason        string
	IncrementRetry       bool
	At                   time.Time
}

// Result of the payment gateway refund call
type GatewayRefundResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	ApprovalNo    string `json:"approvalNo"`
	Message       string `json:"message"`
}

type GatewayRefundRequest struct {
	TransactionID string `json:"transactionId"`
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}
