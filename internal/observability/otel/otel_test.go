package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "", "settlement", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestInitTracer(t *testing.T) {
	// the gRPC exporter connects lazily, so no collector is needed
	shutdown, err := InitTracer(context.Background(), "localhost:4317", "settlement", zap.NewNop())
	require.NoError(t, err)
	shutdown()
}
