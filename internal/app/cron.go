package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger feeds robfig/cron messages into zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewCron returns a scheduler whose jobs never overlap with their own previous run.
func (a *App) NewCron() *cron.Cron {
	logger := cronLogger{a.Logger.Sugar().Named("cron")}
	return cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// Every registers job to run at interval. Each run gets its own deadline of one interval.
func (a *App) Every(ctx context.Context, c *cron.Cron, interval time.Duration, name string, job func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := c.AddFunc("@every "+interval.String(), func() {
		jctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		a.Logged(name, job(jctx))
	})
	return err
}
