// Package kafka consumes purchase and train signals and relays outbox events.
package kafka

import (
	"context"
	"errors"

	"github.com/goorm-sudo/raillo/settlement/internal/config"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one message value.
type Handler func(ctx context.Context, value []byte) error

// messageReader is the part of *kafka.Reader that Run drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Reader struct {
	reader messageReader
	logger *zap.Logger
}

func NewReader(cfg config.Kafka, logger *zap.Logger) *Reader {
	return &Reader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}),
		logger: logger.With(zap.String("topic", cfg.Topic)),
	}
}

// Run feeds messages to handle until ctx ends. An offset is committed once handle
// returns nil or a validation error; other errors leave it for redelivery after restart.
func (r *Reader) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = handle(ctx, msg.Value)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrValidation):
			r.logger.Warn("Message dropped", zap.Int64("offset", msg.Offset), zap.Error(err))
		default:
			r.logger.Error("Message not processed", zap.Int64("offset", msg.Offset), zap.Error(err))
			return err
		}
		if err = r.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Reader) Close() error {
	return r.reader.Close()
}
