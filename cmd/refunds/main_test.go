package main

import (
	"errors"
	"fmt"
	"testing"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/stretchr/testify/require"
)

func TestSettled(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&model.ValidationError{Field: "purchaseId", Reason: "is required"}, true},
		{&model.RefundDeniedError{PurchaseID: "p-1"}, true},
		{fmt.Errorf("%w: timeout", model.ErrGatewayAmbiguous), true},
		{&model.TransitionError{Machine: "refund", From: "CANCELLED", Event: "start"}, true},
		{errors.New("connection refused"), false},
		{fmt.Errorf("fee policy of %q: %w", "SRT", model.ErrNotFound), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, settled(tt.err), tt.err.Error())
	}
}
