package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Summary reports the outcome of one DispatchBatch call.
type Summary struct {
	// Processed counts records handed to an adapter.
	Processed int
	// Sent counts records moved to sent.
	Sent int
	// Failed counts retryable failures that stay queued.
	Failed int
	// DeadLetter counts records moved to dead_letter.
	DeadLetter int
	// RateLimited counts provider rate limit answers.
	RateLimited int
	// Conflicts counts results dropped because the record changed concurrently.
	Conflicts int
	// StoreErrors counts results that could not be written. The claim lease returns those records.
	StoreErrors int
	Duration    time.Duration
}

func (s *Summary) add(o Summary) {
	s.Processed += o.Processed
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.DeadLetter += o.DeadLetter
	s.RateLimited += o.RateLimited
	s.Conflicts += o.Conflicts
	s.StoreErrors += o.StoreErrors
}

// Dispatcher claims due records and delivers them through provider adapters.
type Dispatcher struct {
	store    Store
	adapters *Registry
	cfg      Config
}

type partition struct {
	integrationID string
	records       []Record
}

type outcomeKind int

const (
	outcomeSent outcomeKind = iota
	outcomeRateLimited
	outcomeFailed
)

type outcome struct {
	kind       outcomeKind
	response   Response
	retryAfter time.Duration
	err        error
}

// NewDispatcher constructs a Dispatcher with defaults and optional settings.
func NewDispatcher(store Store, adapters *Registry, opts ...Option) *Dispatcher {
	if store == nil {
		panic("delivery: nil Store")
	}
	if adapters == nil {
		panic("delivery: nil Registry")
	}

	return &Dispatcher{
		store:    store,
		adapters: adapters,
		cfg:      newConfig(opts),
	}
}

// DispatchBatch claims up to batchSize due records and delivers them.
// Zero uses the configured batch size. Records are partitioned by integration, each
// partition paced to its rate limit. A failing record never aborts the batch. The
// summary is returned even when an error is.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batchSize int) (Summary, error) {
	if batchSize < 0 {
		return Summary{}, ErrInvalidBatchSize
	}
	if batchSize == 0 {
		batchSize = d.cfg.BatchSize
	}

	ctx, span := tracer.Start(ctx, "delivery.dispatch_batch")
	defer span.End()

	start := time.Now()
	summary, err := d.dispatch(ctx, batchSize)
	summary.Duration = time.Since(start)
	d.cfg.Metrics.ObserveBatchDuration(summary.Duration)

	span.SetAttributes(
		attribute.Int("delivery.batch_size", batchSize),
		attribute.Int("delivery.processed", summary.Processed),
		attribute.Int("delivery.sent", summary.Sent),
		attribute.Int("delivery.failed", summary.Failed),
		attribute.Int("delivery.dead_letter", summary.DeadLetter),
		attribute.Int("delivery.rate_limited", summary.RateLimited),
	)
	if err != nil && !errors.Is(err, ErrLockHeld) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return summary, err
}

func (d *Dispatcher) dispatch(ctx context.Context, batchSize int) (Summary, error) {
	if d.cfg.Locker != nil {
		unlock, locked, err := d.cfg.Locker.TryLock(ctx, d.cfg.DispatchLockName)
		if err != nil {
			return Summary{}, fmt.Errorf("delivery: acquire dispatch lock: %w", err)
		}
		if !locked {
			d.cfg.Logger.Debug("delivery dispatch lock held by another worker", "lock", d.cfg.DispatchLockName)

			return Summary{}, ErrLockHeld
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				d.cfg.Logger.Warn("delivery dispatch lock release failed", "err", err)
			}
		}()
	}

	now := d.cfg.Clock.Now()
	records, err := d.store.ClaimDue(ctx, ClaimOptions{
		Now:        now,
		Limit:      batchSize,
		LeaseUntil: now.Add(d.cfg.ClaimLease),
	})
	if err != nil {
		return Summary{}, fmt.Errorf("delivery: claim due records: %w", err)
	}
	if len(records) == 0 {
		return Summary{}, nil
	}

	return d.runPartitions(ctx, partitionRecords(records)), nil
}

func partitionRecords(records []Record) []partition {
	index := make(map[string]int)
	parts := make([]partition, 0)
	for _, record := range records {
		i, ok := index[record.IntegrationID]
		if !ok {
			i = len(parts)
			index[record.IntegrationID] = i
			parts = append(parts, partition{integrationID: record.IntegrationID})
		}
		parts[i].records = append(parts[i].records, record)
	}

	return parts
}

func (d *Dispatcher) runPartitions(ctx context.Context, parts []partition) Summary {
	workers := d.cfg.Workers
	if workers > len(parts) {
		workers = len(parts)
	}

	results := make([]Summary, len(parts))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = d.runPartitionSafe(ctx, workerID, parts[idx])
			}
		}()
	}
	for i := range parts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var total Summary
	for _, result := range results {
		total.add(result)
	}

	return total
}

func (d *Dispatcher) runPartitionSafe(ctx context.Context, workerID int, part partition) (summary Summary) {
	defer func() {
		if rec := recover(); rec != nil {
			d.cfg.Logger.Error("delivery partition panic", "worker", workerID, "integration", part.integrationID, "panic", rec)
		}
	}()

	d.runPartition(ctx, part, &summary)

	return summary
}

func (d *Dispatcher) runPartition(ctx context.Context, part partition, summary *Summary) {
	logger := withFields(d.cfg.Logger, "integration", part.integrationID)
	interval := d.cfg.Limits.For(part.integrationID).Interval()

	for i := range part.records {
		record := part.records[i]
		if ctx.Err() != nil {
			logger.Debug("delivery partition stopped", "remaining", len(part.records)-i, "err", ctx.Err())

			break
		}

		waited, err := d.cfg.Pacer.Wait(ctx, part.integrationID, interval)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("delivery pacing failed", "err", err)
			}

			break
		}
		d.cfg.Metrics.ObservePacingDelay(part.integrationID, waited)

		summary.Processed++
		result := d.deliver(ctx, record)
		if ctx.Err() != nil && result.kind != outcomeSent {
			// Shutdown interrupted the call. The lease returns the record to the queue.
			logger.Debug("delivery call interrupted", "record_id", record.ID, "err", ctx.Err())

			break
		}
		d.apply(ctx, logger, record, result, summary)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, record Record) outcome {
	resp, err := d.call(ctx, record)
	if err != nil {
		if errors.Is(err, ErrProviderRateLimited) {
			var retryAfter time.Duration
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				retryAfter = rl.RetryAfter
			}

			return outcome{kind: outcomeRateLimited, retryAfter: retryAfter, err: err}
		}

		return outcome{kind: outcomeFailed, err: err}
	}
	if resp.OK {
		return outcome{kind: outcomeSent, response: resp}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return outcome{
			kind:       outcomeRateLimited,
			response:   resp,
			retryAfter: resp.RetryAfter,
			err:        &RateLimitedError{RetryAfter: resp.RetryAfter, Err: responseError(resp)},
		}
	}

	return outcome{kind: outcomeFailed, response: resp, err: fmt.Errorf("%w: %v", ErrProviderFailure, responseError(resp))}
}

const maxErrorLen = 1024

func responseError(resp Response) error {
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if resp.StatusCode != 0 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	return errors.New("provider returned no result")
}

type callResult struct {
	resp Response
	err  error
}

// call runs the adapter with the per-call timeout. The adapter runs in its own goroutine
// so that one ignoring its context cannot stall the partition.
func (d *Dispatcher) call(ctx context.Context, record Record) (Response, error) {
	adapter, ok := d.adapters.Lookup(record.IntegrationID)
	if !ok {
		return Response{}, fmt.Errorf("%w: %w for integration %q", ErrProviderFailure, ErrNoAdapter, record.IntegrationID)
	}

	ctx, span := tracer.Start(ctx, "delivery.provider_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("delivery.integration", record.IntegrationID),
			attribute.String("delivery.operation", record.Operation),
			attribute.String("delivery.record_id", record.ID.String()),
			attribute.Int("delivery.attempt", record.Attempts+1),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	req := Request{
		RecordID:         record.ID,
		IntegrationID:    record.IntegrationID,
		Operation:        record.Operation,
		StableResourceID: record.StableResourceID,
		Payload:          record.Payload,
		IdempotencyKey:   record.IdempotencyKey,
		Attempt:          record.Attempts + 1,
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: fmt.Errorf("%w: %w: %v", ErrProviderFailure, ErrAdapterPanic, rec)}
			}
		}()
		resp, err := adapter.Send(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	var (
		resp Response
		err  error
	)
	select {
	case result := <-done:
		resp, err = result.resp, result.err
		if err != nil && !errors.Is(err, ErrProviderRateLimited) && !errors.Is(err, ErrProviderFailure) {
			err = fmt.Errorf("%w: %w", ErrProviderFailure, err)
		}
	case <-callCtx.Done():
		err = fmt.Errorf("%w: call timed out after %s: %w", ErrProviderFailure, d.cfg.CallTimeout, callCtx.Err())
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return resp, err
}

func (d *Dispatcher) apply(ctx context.Context, logger Logger, record Record, result outcome, summary *Summary) {
	now := d.cfg.Clock.Now()
	next := record
	next.ClaimedUntil = nil
	next.UpdatedAt = now

	switch result.kind {
	case outcomeSent:
		next.Status = StatusSent
		next.Attempts++
		next.ProviderResponse = result.response.Data
		if len(next.ProviderResponse) == 0 {
			next.ProviderResponse = []byte("{}")
		}
		next.LastError = nil
		next.SentAt = timePtr(now)
	case outcomeRateLimited:
		retryAfter := result.retryAfter
		if retryAfter <= 0 {
			retryAfter = d.cfg.RateLimitRetryAfter
		}
		next.RateLimitedAt = timePtr(now)
		next.NextAttemptAt = now.Add(retryAfter)
		next.LastError = stringPtr(truncateError(result.err))
	case outcomeFailed:
		next.Attempts++
		next.LastError = stringPtr(truncateError(result.err))
		action := d.cfg.FailureClassifier(ctx, record, result.err)
		if next.Attempts >= d.cfg.MaxAttempts || action == FailureDead {
			next.Status = StatusDeadLetter
		} else {
			next.NextAttemptAt = now.Add(ExponentialBackoff(d.cfg.BackoffBase, next.Attempts, d.cfg.MaxBackoff))
		}
	}

	if err := d.store.Update(context.WithoutCancel(ctx), &next); err != nil {
		if errors.Is(err, ErrStaleRecord) || errors.Is(err, ErrNotFound) {
			summary.Conflicts++
			logger.Warn("delivery result dropped, record changed concurrently", "record_id", record.ID, "err", err)

			return
		}
		summary.StoreErrors++
		logger.Error("delivery result write failed", "record_id", record.ID, "err", err)

		return
	}

	d.record(ctx, logger, next, result, summary)
}

func (d *Dispatcher) record(ctx context.Context, logger Logger, record Record, result outcome, summary *Summary) {
	integration := record.IntegrationID
	switch {
	case result.kind == outcomeSent:
		summary.Sent++
		d.cfg.Metrics.AddSent(integration, 1)
		logger.Debug("delivery sent", "record_id", record.ID, "attempts", record.Attempts)
	case result.kind == outcomeRateLimited:
		summary.RateLimited++
		d.cfg.Metrics.AddRateLimited(integration, 1)
		logger.Info("delivery rate limited", "record_id", record.ID, "next_attempt_at", record.NextAttemptAt)
	case record.Status == StatusDeadLetter:
		summary.DeadLetter++
		d.cfg.Metrics.AddDeadLetter(integration, 1)
		logger.Warn("delivery dead-lettered", "record_id", record.ID, "attempts", record.Attempts, "err", result.err)
	default:
		summary.Failed++
		d.cfg.Metrics.AddFailed(integration, 1)
		logger.Info("delivery failed, retry scheduled", "record_id", record.ID, "attempts", record.Attempts, "next_attempt_at", record.NextAttemptAt, "err", result.err)
	}

	if result.kind == outcomeFailed && d.cfg.ErrorHandler != nil {
		d.cfg.ErrorHandler(ctx, record, result.err)
	}
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToValidUTF8(err.Error(), string(utf8.RuneError))
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
