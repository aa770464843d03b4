package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/delivery"
)

const (
	percentileP50 = 0.50
	percentileP95 = 0.95
	percentileP99 = 0.99
)

var errBenchNotDrained = errors.New("outboxctl bench: queue not drained before timeout")

type benchConfig struct {
	records      int
	producers    int
	payloadBytes int
	batchSize    int
	integration  string
	seed         int64
	drainTimeout time.Duration
}

type benchResult struct {
	Records           int     `json:"records"`
	Enqueued          int64   `json:"enqueued"`
	Sent              int64   `json:"sent"`
	Batches           int     `json:"batches"`
	EnqueueSeconds    float64 `json:"enqueue_seconds"`
	DispatchSeconds   float64 `json:"dispatch_seconds"`
	EnqueuePerSecond  float64 `json:"enqueue_per_sec"`
	DispatchPerSecond float64 `json:"dispatch_per_sec"`
	LatencyP50Ms      float64 `json:"latency_p50_ms"`
	LatencyP95Ms      float64 `json:"latency_p95_ms"`
	LatencyP99Ms      float64 `json:"latency_p99_ms"`
	LatencyMaxMs      float64 `json:"latency_max_ms"`
	BatchP50Ms        float64 `json:"batch_p50_ms"`
	BatchP99Ms        float64 `json:"batch_p99_ms"`
}

func benchCommand(a *app) *cobra.Command {
	cfg := benchConfig{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure enqueue and dispatch throughput against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := runBench(cmd.Context(), p, a.cnf.LimitTable(), cfg)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&cfg.records, "records", 1000, "records to enqueue and dispatch")
	cmd.Flags().IntVar(&cfg.producers, "producers", 4, "concurrent enqueuers")
	cmd.Flags().IntVar(&cfg.payloadBytes, "payload-bytes", 256, "approximate payload size")
	cmd.Flags().IntVar(&cfg.batchSize, "batch-size", 50, "dispatch batch size")
	cmd.Flags().StringVar(&cfg.integration, "integration", "bench", "integration ID used for generated records")
	cmd.Flags().Int64Var(&cfg.seed, "seed", 1, "payload generator seed")
	cmd.Flags().DurationVar(&cfg.drainTimeout, "drain-timeout", 2*time.Minute, "max time to dispatch every record")

	return cmd
}

// runBench enqueues cfg.records intents through a no-op adapter with pacing disabled for
// the bench integration, so the numbers reflect store and pipeline overhead only.
func runBench(ctx context.Context, p *pipeline, limits delivery.LimitTable, cfg benchConfig) (benchResult, error) {
	if cfg.records <= 0 || cfg.producers <= 0 {
		return benchResult{}, fmt.Errorf("%w: records and producers must be positive", delivery.ErrInvalidRequest)
	}

	var enqueuedAt sync.Map
	latency := &latencyStats{}
	var sent atomic.Int64

	registry := delivery.NewRegistry().Register(cfg.integration, delivery.AdapterFunc(
		func(_ context.Context, req delivery.Request) (delivery.Response, error) {
			if at, ok := enqueuedAt.Load(req.StableResourceID); ok {
				latency.Record(time.Since(at.(time.Time)))
			}
			sent.Add(1)

			return delivery.Response{OK: true, StatusCode: 200, Data: json.RawMessage(`{}`)}, nil
		}))

	limits.Limits[cfg.integration] = delivery.Limit{}
	opts := append(append([]delivery.Option(nil), p.options...), delivery.WithLimits(limits))
	enqueuer := delivery.NewEnqueuer(p.store, opts...)
	dispatcher := delivery.NewDispatcher(p.store, registry, opts...)

	intents := generateIntents(cfg)
	var enqueued atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan delivery.Intent)
	for i := 0; i < cfg.producers; i++ {
		g.Go(func() error {
			for intent := range jobs {
				enqueuedAt.Store(intent.StableResourceID, time.Now())
				if _, err := enqueuer.Enqueue(gctx, intent); err != nil {
					return err
				}
				enqueued.Add(1)
			}

			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for _, intent := range intents {
			select {
			case jobs <- intent:
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		return nil
	})
	if err := g.Wait(); err != nil {
		return benchResult{}, fmt.Errorf("enqueue: %w", err)
	}
	enqueueDur := time.Since(start)

	batches := &latencyStats{}
	dispatchStart := time.Now()
	deadline := dispatchStart.Add(cfg.drainTimeout)
	count := 0
	for sent.Load() < enqueued.Load() {
		if time.Now().After(deadline) {
			return benchResult{}, errBenchNotDrained
		}
		summary, err := dispatcher.DispatchBatch(ctx, cfg.batchSize)
		if err != nil {
			return benchResult{}, fmt.Errorf("dispatch: %w", err)
		}
		count++
		batches.Record(summary.Duration)
		if summary.Processed == 0 {
			if err := delivery.Sleep(ctx, 10*time.Millisecond); err != nil {
				return benchResult{}, err
			}
		}
	}
	dispatchDur := time.Since(dispatchStart)

	lat := latency.Snapshot()
	batch := batches.Snapshot()

	return benchResult{
		Records:           cfg.records,
		Enqueued:          enqueued.Load(),
		Sent:              sent.Load(),
		Batches:           count,
		EnqueueSeconds:    enqueueDur.Seconds(),
		DispatchSeconds:   dispatchDur.Seconds(),
		EnqueuePerSecond:  rate(enqueued.Load(), enqueueDur),
		DispatchPerSecond: rate(sent.Load(), dispatchDur),
		LatencyP50Ms:      msFloat(lat.P50),
		LatencyP95Ms:      msFloat(lat.P95),
		LatencyP99Ms:      msFloat(lat.P99),
		LatencyMaxMs:      msFloat(lat.Max),
		BatchP50Ms:        msFloat(batch.P50),
		BatchP99Ms:        msFloat(batch.P99),
	}, nil
}

func generateIntents(cfg benchConfig) []delivery.Intent {
	faker := gofakeit.New(cfg.seed)
	bodyLen := cfg.payloadBytes
	if bodyLen < 1 {
		bodyLen = 1
	}

	intents := make([]delivery.Intent, 0, cfg.records)
	for i := 0; i < cfg.records; i++ {
		payload, _ := json.Marshal(map[string]string{
			"email": faker.Email(),
			"body":  faker.LetterN(uint(bodyLen)),
		})
		intents = append(intents, delivery.Intent{
			IntegrationID:    cfg.integration,
			Operation:        "bench",
			StableResourceID: faker.UUID(),
			Payload:          payload,
		})
	}

	return intents
}

type latencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencyStats) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencyStats) Snapshot() latencySnapshot {
	l.mu.Lock()
	samples := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(samples) == 0 {
		return latencySnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return latencySnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Count: len(samples),
	}
}

type latencySnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Count int
}

// percentile expects sorted samples and uses the nearest-rank method.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(n) / d.Seconds()
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
