package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEveryRunsJob(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	a := &App{Logger: zap.New(core)}
	c := a.NewCron()

	var runs atomic.Int32
	var deadline atomic.Bool
	require.NoError(t, a.Every(context.Background(), c, time.Second, "tick", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		runs.Add(1)
		return errors.New("tick failed")
	}))
	c.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	<-c.Stop().Done()

	require.True(t, deadline.Load())
	require.GreaterOrEqual(t, logs.FilterMessage("Job failed").Len(), 1)
}

func TestEveryRejectsBadInterval(t *testing.T) {
	a := &App{Logger: zap.NewNop()}
	err := a.Every(context.Background(), a.NewCron(), 0, "never", func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestCronLoggerAddsError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := cronLogger{zap.New(core).Sugar()}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("panic"), "recovered", "entry", 1)

	require.Equal(t, 2, logs.Len())
	require.Equal(t, "panic", logs.All()[1].ContextMap()["error"])
}
