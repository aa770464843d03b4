package otelmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}

	return out
}

func sumByIntegration(t *testing.T, m metricdata.Metrics) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, m.Name)

	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		value, _ := dp.Attributes.Value(integrationKey)
		out[value.AsString()] += dp.Value
	}

	return out
}

func TestMetricsRecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	require.NoError(t, err)

	m.AddEnqueued(3)
	m.AddDeduplicated(1)
	m.AddSent("slack", 2)
	m.AddSent("notion", 1)
	m.AddSent("slack", 1)
	m.AddFailed("slack", 1)
	m.AddDeadLetter("hubspot", 1)
	m.AddRateLimited("slack", 4)
	m.AddDriftFixed("slack", 5)
	m.ObserveBatchDuration(1500 * time.Millisecond)
	m.ObservePacingDelay("slack", time.Second)

	metrics := collect(t, reader)

	assert.Equal(t, map[string]int64{"slack": 3, "notion": 1}, sumByIntegration(t, metrics["delivery.records.sent"]))
	assert.Equal(t, map[string]int64{"slack": 1}, sumByIntegration(t, metrics["delivery.records.failed"]))
	assert.Equal(t, map[string]int64{"hubspot": 1}, sumByIntegration(t, metrics["delivery.records.dead_letter"]))
	assert.Equal(t, map[string]int64{"slack": 4}, sumByIntegration(t, metrics["delivery.records.rate_limited"]))
	assert.Equal(t, map[string]int64{"slack": 5}, sumByIntegration(t, metrics["delivery.reconcile.drift_fixed"]))
	assert.Equal(t, map[string]int64{"": 3}, sumByIntegration(t, metrics["delivery.records.enqueued"]))
	assert.Equal(t, map[string]int64{"": 1}, sumByIntegration(t, metrics["delivery.records.deduplicated"]))

	duration, ok := metrics["delivery.dispatch.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(1), duration.DataPoints[0].Count)
	assert.InDelta(t, 1.5, duration.DataPoints[0].Sum, 1e-9)

	pacing, ok := metrics["delivery.pacing.delay"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, pacing.DataPoints, 1)
	assert.InDelta(t, 1.0, pacing.DataPoints[0].Sum, 1e-9)
}

type testMeterProvider struct {
	metric.MeterProvider
	meter metric.Meter
}

func (p testMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return p.meter
}

type failingMeter struct {
	metric.Meter
	failOn string
}

func (m failingMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == m.failOn {
		return nil, errors.New("instrument creation failed")
	}

	return m.Meter.Int64Counter(name, options...)
}

func (m failingMeter) Float64Histogram(name string, options ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == m.failOn {
		return nil, errors.New("instrument creation failed")
	}

	return m.Meter.Float64Histogram(name, options...)
}

func TestNewInstrumentErrors(t *testing.T) {
	for _, name := range []string{"delivery.records.sent", "delivery.dispatch.duration", "delivery.pacing.delay"} {
		t.Run(name, func(t *testing.T) {
			provider := testMeterProvider{
				MeterProvider: noop.NewMeterProvider(),
				meter:         failingMeter{Meter: noop.NewMeterProvider().Meter("test"), failOn: name},
			}

			_, err := New(provider)
			require.ErrorContains(t, err, "create "+name)
		})
	}

	m, err := New(nil)
	require.NoError(t, err)
	m.AddSent("slack", 1)
}
