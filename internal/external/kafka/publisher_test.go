package kafka

import (
	"testing"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	id := uuid.New()
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	msg := message(model.OutboxEvent{
		ID:            id,
		EventType:     model.EventMileageEarned,
		AggregateType: model.AggregateSchedule,
		AggregateID:   "s-1",
		Payload:       []byte(`{"points":100}`),
		CreatedAt:     at,
	})

	require.Equal(t, "earning_schedule:s-1", string(msg.Key))
	require.JSONEq(t, `{"points":100}`, string(msg.Value))
	require.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 2)
	require.Equal(t, id.String(), string(msg.Headers[0].Value))
	require.Equal(t, model.EventMileageEarned, string(msg.Headers[1].Value))
}
