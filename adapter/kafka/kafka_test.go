package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
)

type recordingWriter struct {
	messages []kgo.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)

	return nil
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestSendPublishesKeyedMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	writer := &recordingWriter{}
	adapter, err := New(writer, "deliveries", fixedClock(now))
	require.NoError(t, err)

	id := uuid.MustParse("0195501a-7c00-7000-8000-000000000001")
	resp, err := adapter.Send(context.Background(), delivery.Request{
		RecordID:         id,
		IntegrationID:    "kafka",
		Operation:        "order_created",
		StableResourceID: "order-9",
		Payload:          []byte(`{"id":9}`),
		IdempotencyKey:   "ffee",
		Attempt:          3,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"topic":"deliveries","key":"ffee"}`, string(resp.Data))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "ffee", string(msg.Key))
	assert.JSONEq(t, `{"id":9}`, string(msg.Value))
	assert.Equal(t, now, msg.Time)

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		HeaderRecordID:    id.String(),
		HeaderIntegration: "kafka",
		HeaderOperation:   "order_created",
		HeaderResource:    "order-9",
		HeaderAttempt:     "3",
	}, headers)
}

func TestSendWriteFailure(t *testing.T) {
	adapter, err := New(&recordingWriter{err: errors.New("leader not available")}, "deliveries", nil)
	require.NoError(t, err)

	_, err = adapter.Send(context.Background(), delivery.Request{IdempotencyKey: "k", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, delivery.ErrProviderFailure)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestConstructors(t *testing.T) {
	_, err := New(nil, "deliveries", nil)
	require.ErrorIs(t, err, ErrWriterRequired)
	_, err = New(&recordingWriter{}, "", nil)
	require.ErrorIs(t, err, ErrTopicRequired)

	writer, err := NewWriter(" broker-1:9092, ,broker-2:9092", "deliveries")
	require.NoError(t, err)
	assert.Equal(t, "deliveries", writer.Topic)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, splitCSV(" broker-1:9092, ,broker-2:9092"))

	_, err = NewWriter(" , ", "deliveries")
	require.Error(t, err)
}
