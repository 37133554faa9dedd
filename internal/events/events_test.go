package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherPublish(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	publisher := &KafkaPublisher{writer: writer}

	orderID := uuid.New()
	err := publisher.Publish(context.Background(), Event{
		Type:        OrderPaid,
		OrderID:     orderID,
		OrderNumber: "ORD-20250219-ABC123",
		Gateway:     "sadad",
		Amount:      decimal.RequireFromString("205"),
		Currency:    "QAR",
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "ORD-20250219-ABC123", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, "order.paid", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, orderID, decoded.OrderID)
	assert.NotEqual(t, uuid.Nil, decoded.ID)
	assert.False(t, decoded.OccurredAt.IsZero())
	assert.True(t, decoded.Amount.Equal(decimal.RequireFromString("205")))

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	t.Parallel()

	publisher := &KafkaPublisher{writer: &recordingWriter{err: errors.New("leader not available")}}
	err := publisher.Publish(context.Background(), Event{Type: OrderPlaced, OrderNumber: "ORD-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order.placed")
}

func TestLogPublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	publisher := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, publisher.Publish(context.Background(), Event{Type: OrderRefunded, OrderNumber: "ORD-1", Amount: decimal.NewFromInt(5)}))
	assert.Contains(t, buf.String(), `"event_type":"order.refunded"`)
	assert.Contains(t, buf.String(), `"amount":"5.00"`)
}
