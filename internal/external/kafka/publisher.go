package kafka

import (
	"context"
	"strings"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/segmentio/kafka-go"
)

// Publisher relays outbox events to one topic, keyed by aggregate so that events of
// one purchase or schedule stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Publisher) Publish(ctx context.Context, e model.OutboxEvent) error {
	return p.writer.WriteMessages(ctx, message(e))
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func message(e model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(strings.ToLower(e.AggregateType) + ":" + e.AggregateID),
		Value: e.Payload,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(e.ID.String())},
			{Key: "event-type", Value: []byte(e.EventType)},
		},
		Time: e.CreatedAt,
	}
}
