package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient mileage balance")
	ErrConcurrentUpdate    = errors.New("row was changed by another worker")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrRefundDenied        = errors.New("refund denied")
	ErrGatewayAmbiguous    = errors.New("payment gateway outcome is unknown")
	ErrDuplicate           = errors.New("duplicate record")
	ErrProcessingTimeout   = errors.New("processing did not finish in time")
)

// ValidationError is returned for bad input; nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RefundDeniedError is a permanent business rejection: the request came after the
// arrival deadline (arrival + reported delay). It is never retried.
type RefundDeniedError struct {
	PurchaseID  string
	Deadline    time.Time
	RequestedAt time.Time
}

func (e *RefundDeniedError) Error() string {
	return fmt.Sprintf("refund denied: requested at %s, deadline was %s",
		e.RequestedAt.Format(time.RFC3339), e.Deadline.Format(time.RFC3339))
}

func (e *RefundDeniedError) Unwrap() error { return ErrRefundDenied }

// TransitionError reports an event that is not legal in the current state.
type TransitionError struct {
	Machine string
	From    string
	Event   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s is not allowed in state %s", e.Machine, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
