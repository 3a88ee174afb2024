// Job runner - earning schedules, outbox relay, refund recovery, mileage expiration
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/app"
	"github.com/goorm-sudo/raillo/settlement/internal/config"
	"github.com/goorm-sudo/raillo/settlement/internal/observability/otel"
	"go.uber.org/zap"
)

func main() {
	settings := config.Load()

	// log
	logger, err := app.NewLogger(settings.LogEnv)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.InitTracer(ctx, settings.OTelEndpoint, "settlement-scheduler", logger)
	if err != nil {
		logger.Fatal("Tracer init failed", zap.Error(err))
	}
	defer shutdown()

	a, err := app.New(ctx, logger, settings, app.Options{Refunds: true, Publish: true})
	if err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}
	defer a.Close()

	c := a.NewCron()
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{"promote-due", settings.PromoteInterval, func(ctx context.Context) error {
			_, err := a.Earning.PromoteDue(ctx)
			return err
		}},
		{"process-earnings", settings.EarningInterval, func(ctx context.Context) error {
			_, err := a.Earning.ProcessPending(ctx)
			return err
		}},
		{"retry-earnings", settings.RetryInterval, func(ctx context.Context) error {
			_, err := a.Earning.RetryFailedBatch(ctx)
			return err
		}},
		{"stuck-earnings", settings.RecoveryInterval, func(ctx context.Context) error {
			_, err := a.Earning.RecoverStuck(ctx)
			return err
		}},
		{"outbox", settings.OutboxInterval, func(ctx context.Context) error {
			_, err := a.Outbox.ProcessPending(ctx)
			return err
		}},
		{"outbox-recovery", settings.RecoveryInterval, func(ctx context.Context) error {
			if _, _, err := a.Outbox.RecoverTimedOut(ctx); err != nil {
				return err
			}
			return a.Outbox.ReportBacklog(ctx)
		}},
		{"unknown-refunds", settings.UnknownInterval, func(ctx context.Context) error {
			_, _, err := a.Refund.RecoverUnknown(ctx)
			return err
		}},
		{"stuck-refunds", settings.RecoveryInterval, func(ctx context.Context) error {
			_, err := a.Refund.RecoverStuck(ctx)
			return err
		}},
		{"expire-mileage", settings.ExpiryInterval, func(ctx context.Context) error {
			// two intervals back so a skipped run is caught up
			_, err := a.Ledger.ExpireDue(ctx, 2*settings.ExpiryInterval, settings.ExpirationBatchSize)
			return err
		}},
		{"cleanup", settings.CleanupInterval, func(ctx context.Context) error {
			if _, err := a.Earning.Cleanup(ctx); err != nil {
				return err
			}
			_, err := a.Outbox.Cleanup(ctx)
			return err
		}},
		{"failure-window", time.Hour, func(context.Context) error {
			if ended := a.Metrics.ResetWindow(); len(ended) > 0 {
				logger.Info("Failure window closed", zap.Any("failures", ended))
			}
			return nil
		}},
	}
	for _, j := range jobs {
		if err = a.Every(ctx, c, j.interval, j.name, j.run); err != nil {
			logger.Fatal("Job registration failed", zap.String("job", j.name), zap.Error(err))
		}
	}

	// metrics of this process
	srv := &http.Server{
		Handler:     a.Metrics.Handler(),
		Addr:        settings.MetricsAddr,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	c.Start()
	logger.Info("Scheduler started", zap.Int("jobs", len(jobs)))
	<-ctx.Done()

	// wait for running jobs
	<-c.Stop().Done()
	timeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = srv.Shutdown(timeout); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
}
