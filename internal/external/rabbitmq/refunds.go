// Package rabbitmq receives refund requests and answers with refund confirmations.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/goorm-sudo/raillo/settlement/internal/config"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RefundConsumer struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	Msg          <-chan amqp.Delivery
	chout        *amqp.Channel
	confirmQueue string
}

func NewRefundConsumer(cfg config.Rabbit, prefetch int) (rabbit *RefundConsumer, err error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	// incoming requests
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err = ch.QueueDeclare(
		cfg.RefundQueue, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		return nil, err
	}
	if err = ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	// outgoing confirmations
	chout, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err = chout.QueueDeclare(
		cfg.ConfirmQueue, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	); err != nil {
		return nil, err
	}

	msg, err := ch.Consume(
		cfg.RefundQueue, // queue
		"",              // consumer
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, err
	}
	return &RefundConsumer{conn, ch, msg, chout, cfg.ConfirmQueue}, nil
}

func (r *RefundConsumer) Close() {
	r.chout.Close()
	r.ch.Close()
	r.conn.Close()
}

// RefundConfirm is the answer to one refund request.
type RefundConfirm struct {
	PurchaseID   string             `json:"purchaseId"`
	RefundID     uuid.UUID          `json:"refundId,omitempty"`
	Status       model.RefundStatus `json:"status"`
	RefundAmount int64              `json:"refundAmount"`
	RefundFee    int64              `json:"refundFee"`
	Denied       bool               `json:"denied"`
	Message      string             `json:"message,omitempty"`
}

// Confirmation builds the answer for a processed request. calc may be nil when the
// request was rejected before a calculation was stored.
func Confirmation(purchaseID string, calc *model.RefundCalculation, err error) RefundConfirm {
	c := RefundConfirm{PurchaseID: purchaseID}
	if calc != nil {
		c.RefundID = calc.ID
		c.Status = calc.Status
		c.RefundAmount = calc.RefundAmount
		c.RefundFee = calc.RefundFee
		c.Message = calc.FailureReason
	}
	if err != nil {
		c.Message = err.Error()
		c.Denied = errors.Is(err, model.ErrRefundDenied)
	}
	return c
}

// Processed publishes the confirmation of a refund request.
func (r *RefundConsumer) Processed(ctx context.Context, confirm RefundConfirm) error {
	msg, err := json.Marshal(confirm)
	if err != nil {
		return err
	}
	return r.chout.PublishWithContext(ctx,
		"",             // exchange
		r.confirmQueue, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg,
		})
}
