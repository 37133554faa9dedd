// Package events publishes order and payment lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/logging"
)

type Type string

const (
	OrderPlaced    Type = "order.placed"
	OrderPaid      Type = "order.paid"
	PaymentFailed  Type = "payment.failed"
	OrderRefunded  Type = "order.refunded"
	OrderCancelled Type = "order.cancelled"
)

type Event struct {
	ID          uuid.UUID         `json:"id"`
	Type        Type              `json:"type"`
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	Gateway     string            `json:"gateway,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Detail      string            `json:"detail,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Publisher delivers events. Publishing is best effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(topic string, brokers ...string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
}

// Publish keys messages by order number so one order's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	event = withDefaults(event)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderNumber),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID.String())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	event = withDefaults(event)
	logging.FromContext(ctx, p.logger).InfoContext(ctx, "domain event",
		"event_type", event.Type,
		"event_id", event.ID,
		"order_number", event.OrderNumber,
		"gateway", event.Gateway,
		"amount", event.Amount.StringFixed(2),
		"currency", event.Currency,
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

func withDefaults(event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}
