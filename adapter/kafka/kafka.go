// Package kafka publishes records to a Kafka topic, keyed by idempotency key.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	kgo "github.com/segmentio/kafka-go"

	"github.com/velmie/delivery"
)

// Header names attached to every message.
const (
	HeaderRecordID    = "delivery-record-id"
	HeaderIntegration = "delivery-integration"
	HeaderOperation   = "delivery-operation"
	HeaderResource    = "delivery-resource"
	HeaderAttempt     = "delivery-attempt"
)

var (
	// ErrWriterRequired is returned when a nil writer is provided.
	ErrWriterRequired = errors.New("delivery kafka: writer is required")
	// ErrTopicRequired is returned when no topic is configured.
	ErrTopicRequired = errors.New("delivery kafka: topic is required")
)

// Writer is the subset of *kafka.Writer used by the adapter.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
}

// Adapter implements delivery.Adapter on a Kafka writer.
type Adapter struct {
	writer Writer
	topic  string
	clock  delivery.Clock
}

var _ delivery.Adapter = (*Adapter)(nil)

// New returns an Adapter. topic is recorded in the provider response and must match the writer's topic.
func New(writer Writer, topic string, clock delivery.Clock) (*Adapter, error) {
	if writer == nil {
		return nil, ErrWriterRequired
	}
	if topic == "" {
		return nil, ErrTopicRequired
	}
	if clock == nil {
		clock = delivery.SystemClock{}
	}

	return &Adapter{writer: writer, topic: topic, clock: clock}, nil
}

// NewWriter returns a writer for a comma separated broker list.
func NewWriter(brokersCSV, topic string) (*kgo.Writer, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("delivery kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, ErrTopicRequired
	}

	return &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll,
	}, nil
}

// Send implements delivery.Adapter. Messages with the same key land on the same partition,
// so a consumer can drop repeats of an idempotency key.
func (a *Adapter) Send(ctx context.Context, req delivery.Request) (delivery.Response, error) {
	msg := kgo.Message{
		Key:   []byte(req.IdempotencyKey),
		Value: req.Payload,
		Time:  a.clock.Now(),
		Headers: []kgo.Header{
			{Key: HeaderRecordID, Value: []byte(req.RecordID.String())},
			{Key: HeaderIntegration, Value: []byte(req.IntegrationID)},
			{Key: HeaderOperation, Value: []byte(req.Operation)},
			{Key: HeaderResource, Value: []byte(req.StableResourceID)},
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(req.Attempt))},
		},
	}

	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return delivery.Response{}, fmt.Errorf("%w: kafka write: %w", delivery.ErrProviderFailure, err)
	}

	data, err := json.Marshal(map[string]string{"topic": a.topic, "key": req.IdempotencyKey})
	if err != nil {
		return delivery.Response{}, err
	}

	return delivery.Response{OK: true, Data: data}, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
