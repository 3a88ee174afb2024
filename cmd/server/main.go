// HTTP API - balances, schedules, refunds and train arrivals
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/api"
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

	// tracing
	shutdown, err := otel.InitTracer(ctx, settings.OTelEndpoint, "settlement-api", logger)
	if err != nil {
		logger.Fatal("Tracer init failed", zap.Error(err))
	}
	defer shutdown()

	// services
	a, err := app.New(ctx, logger, settings, app.Options{Refunds: true})
	if err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}
	defer a.Close()

	// api handlers
	srv := &http.Server{
		Handler:      api.NewHandler(a.Ledger, a.Earning, a.Refund, a.Metrics, logger),
		Addr:         settings.HTTPAddr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server started", zap.String("addr", settings.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// shutdown
	<-ctx.Done()
	timeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = srv.Shutdown(timeout); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
}
