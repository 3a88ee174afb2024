// Job - refund requests from RabbitMQ
// Each request is priced, settled with the payment gateway and confirmed back
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goorm-sudo/raillo/settlement/internal/app"
	"github.com/goorm-sudo/raillo/settlement/internal/config"
	rabbit "github.com/goorm-sudo/raillo/settlement/internal/external/rabbitmq"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/goorm-sudo/raillo/settlement/internal/services"
	amqp "github.com/rabbitmq/amqp091-go"
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

	// rabbitmq
	rcfg, err := config.RabbitFromEnv()
	if err != nil {
		logger.Fatal("Config error", zap.Error(err))
	}
	reader, err := rabbit.NewRefundConsumer(rcfg, settings.Workers)
	if err != nil {
		logger.Fatal("RabbitMQ connection failed", zap.Error(err))
	}
	defer reader.Close()

	a, err := app.New(ctx, logger, settings, app.Options{Refunds: true})
	if err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}
	defer a.Close()

	// workers
	wg := &sync.WaitGroup{}
	wg.Add(settings.Workers)
	for i := 0; i < settings.Workers; i++ {
		go worker(ctx, a.Refund, wg, logger, reader)
	}
	wg.Wait()
}

// worker for rabbitmq messages
func worker(ctx context.Context, serv *services.RefundService, wg *sync.WaitGroup, logger *zap.Logger, reader *rabbit.RefundConsumer) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-reader.Msg:
			if !ok {
				return
			}
			handle(ctx, serv, logger, reader, msg)
		}
	}
}

func handle(ctx context.Context, serv *services.RefundService, logger *zap.Logger, reader *rabbit.RefundConsumer, msg amqp.Delivery) {
	var head struct {
		PurchaseID string `json:"purchaseId"`
	}
	_ = json.Unmarshal(msg.Body, &head)

	calc, err := serv.HandleRequest(ctx, msg.Body)
	if err != nil && !settled(err) {
		// infrastructure trouble, the request is delivered again
		logger.Error("Refund request not processed", zap.String("purchase", head.PurchaseID), zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	if err != nil {
		logger.Warn("Refund request answered with error", zap.String("purchase", head.PurchaseID), zap.Error(err))
	}
	if err = reader.Processed(ctx, rabbit.Confirmation(head.PurchaseID, calc, err)); err != nil {
		logger.Error("Refund confirmation not sent", zap.String("purchase", head.PurchaseID), zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// settled reports errors that are a final answer to the request. An ambiguous gateway
// outcome is final here too: the refund is UNKNOWN and the recovery job retries it.
func settled(err error) bool {
	return errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrRefundDenied) ||
		errors.Is(err, model.ErrIllegalTransition) ||
		errors.Is(err, model.ErrGatewayAmbiguous)
}
