// Job - purchase and train arrival signals from Kafka
// Purchases become earning schedules, arrivals are recorded for the outbox relay
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goorm-sudo/raillo/settlement/internal/app"
	"github.com/goorm-sudo/raillo/settlement/internal/config"
	"github.com/goorm-sudo/raillo/settlement/internal/external/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	// kafka
	purchases, err := config.KafkaFromEnv("KAFKA_PURCHASE_TOPIC", "purchases", "settlement_purchases")
	if err != nil {
		logger.Fatal("Config error", zap.Error(err))
	}
	arrivals, err := config.KafkaFromEnv("KAFKA_ARRIVAL_TOPIC", "train-arrivals", "settlement_arrivals")
	if err != nil {
		logger.Fatal("Config error", zap.Error(err))
	}

	a, err := app.New(ctx, logger, settings, app.Options{})
	if err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}
	defer a.Close()

	purchaseReader := kafka.NewReader(purchases, logger)
	defer purchaseReader.Close()
	arrivalReader := kafka.NewReader(arrivals, logger)
	defer arrivalReader.Close()

	// one failing reader stops both; the offsets left uncommitted are read again
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return purchaseReader.Run(gctx, a.Earning.PurchaseCompleted) })
	g.Go(func() error { return arrivalReader.Run(gctx, a.Earning.TrainArrivalReceived) })
	if err = g.Wait(); err != nil {
		logger.Error("Consumer stopped", zap.Error(err))
		return
	}
	logger.Info("Consumers stopped")
}
