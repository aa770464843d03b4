// Package otelmetrics implements delivery.Metrics with OpenTelemetry instruments.
package otelmetrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/delivery"
)

const (
	meterName      = "github.com/velmie/delivery"
	integrationKey = attribute.Key("integration")
)

// Metrics records pipeline telemetry on a meter.
type Metrics struct {
	enqueued      metric.Int64Counter
	deduplicated  metric.Int64Counter
	sent          metric.Int64Counter
	failed        metric.Int64Counter
	deadLetter    metric.Int64Counter
	rateLimited   metric.Int64Counter
	driftFixed    metric.Int64Counter
	batchDuration metric.Float64Histogram
	pacingDelay   metric.Float64Histogram
}

var _ delivery.Metrics = (*Metrics)(nil)

// New creates the instruments on provider. A nil provider uses the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueued, "delivery.records.enqueued", "Records created by enqueue"},
		{&m.deduplicated, "delivery.records.deduplicated", "Enqueues resolved to an existing record"},
		{&m.sent, "delivery.records.sent", "Records delivered"},
		{&m.failed, "delivery.records.failed", "Retryable delivery failures"},
		{&m.deadLetter, "delivery.records.dead_letter", "Records moved to dead_letter"},
		{&m.rateLimited, "delivery.records.rate_limited", "Provider rate limit answers"},
		{&m.driftFixed, "delivery.reconcile.drift_fixed", "Stale records reset by reconciliation"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{record}"))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.batchDuration, err = meter.Float64Histogram(
		"delivery.dispatch.duration",
		metric.WithDescription("Time taken per dispatch batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivery.dispatch.duration histogram: %w", err)
	}

	m.pacingDelay, err = meter.Float64Histogram(
		"delivery.pacing.delay",
		metric.WithDescription("Time a call waited for its rate limit slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivery.pacing.delay histogram: %w", err)
	}

	return m, nil
}

// ObserveBatchDuration implements delivery.Metrics.
func (m *Metrics) ObserveBatchDuration(duration time.Duration) {
	m.batchDuration.Record(context.Background(), duration.Seconds())
}

// AddEnqueued implements delivery.Metrics.
func (m *Metrics) AddEnqueued(count int) {
	m.enqueued.Add(context.Background(), int64(count))
}

// AddDeduplicated implements delivery.Metrics.
func (m *Metrics) AddDeduplicated(count int) {
	m.deduplicated.Add(context.Background(), int64(count))
}

// AddSent implements delivery.Metrics.
func (m *Metrics) AddSent(integration string, count int) {
	add(m.sent, integration, count)
}

// AddFailed implements delivery.Metrics.
func (m *Metrics) AddFailed(integration string, count int) {
	add(m.failed, integration, count)
}

// AddDeadLetter implements delivery.Metrics.
func (m *Metrics) AddDeadLetter(integration string, count int) {
	add(m.deadLetter, integration, count)
}

// AddRateLimited implements delivery.Metrics.
func (m *Metrics) AddRateLimited(integration string, count int) {
	add(m.rateLimited, integration, count)
}

// ObservePacingDelay implements delivery.Metrics.
func (m *Metrics) ObservePacingDelay(integration string, delay time.Duration) {
	m.pacingDelay.Record(context.Background(), delay.Seconds(), metric.WithAttributes(integrationKey.String(integration)))
}

// AddDriftFixed implements delivery.Metrics.
func (m *Metrics) AddDriftFixed(integration string, count int) {
	add(m.driftFixed, integration, count)
}

func add(counter metric.Int64Counter, integration string, count int) {
	counter.Add(context.Background(), int64(count), metric.WithAttributes(integrationKey.String(integration)))
}
