package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sweeper detects and repairs queued records that stopped progressing.
type Sweeper struct {
	store Store
	runs  RunStore
	cfg   Config
}

// NewSweeper constructs a Sweeper with defaults and optional settings.
func NewSweeper(store Store, runs RunStore, opts ...Option) *Sweeper {
	if store == nil {
		panic("delivery: nil Store")
	}
	if runs == nil {
		panic("delivery: nil RunStore")
	}

	return &Sweeper{store: store, runs: runs, cfg: newConfig(opts)}
}

type runNotes []string

func (n *runNotes) add(format string, args ...any) {
	*n = append(*n, fmt.Sprintf(format, args...))
}

func (n runNotes) String() string {
	return strings.Join(n, "; ")
}

// Reconcile sweeps up to maxItems queued records of one integration and resets those
// older than the staleness threshold to attempt 0, due now. Sent and dead-lettered
// records are never touched.
//
// A non-positive maxItems and a negative hardTimeout use the configured defaults.
// hardTimeout bounds the whole run: reaching it stops the sweep early and the run still
// succeeds. Store failures during the sweep mark the run failed and are reported via
// ReconciliationRun.Err. The returned error is reserved for invalid input, unknown
// integrations, lock contention and failures to persist the run itself.
func (s *Sweeper) Reconcile(ctx context.Context, integrationID string, maxItems int, hardTimeout time.Duration) (ReconciliationRun, error) {
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return ReconciliationRun{}, ErrIntegrationRequired
	}
	if !s.cfg.Limits.Has(integrationID) {
		return ReconciliationRun{}, fmt.Errorf("%w: integration %q is not configured", ErrNotFound, integrationID)
	}
	if maxItems <= 0 {
		maxItems = s.cfg.SweepMaxItems
	}
	if hardTimeout < 0 {
		hardTimeout = s.cfg.SweepHardTimeout
	}

	ctx, span := tracer.Start(ctx, "delivery.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("delivery.integration_id", integrationID))

	if s.cfg.Locker != nil {
		name := defaultSweepLockPrefix + integrationID
		unlock, locked, err := s.cfg.Locker.TryLock(ctx, name)
		if err != nil {
			return ReconciliationRun{}, fmt.Errorf("delivery: acquire reconcile lock: %w", err)
		}
		if !locked {
			return ReconciliationRun{}, ErrLockHeld
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.cfg.Logger.Warn("delivery reconcile lock release failed", "integration", integrationID, "err", err)
			}
		}()
	}

	run, err := s.sweep(ctx, integrationID, maxItems, hardTimeout)
	span.SetAttributes(
		attribute.String("delivery.run_status", string(run.Status)),
		attribute.Int("delivery.checked", run.Checked),
		attribute.Int("delivery.drift_fixed", run.DriftFixed),
	)
	if err == nil {
		err = run.Err()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return run, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return run, err
}

func (s *Sweeper) sweep(ctx context.Context, integrationID string, maxItems int, hardTimeout time.Duration) (ReconciliationRun, error) {
	logger := withFields(s.cfg.Logger, "integration", integrationID)

	id, err := s.cfg.Generator.New()
	if err != nil {
		return ReconciliationRun{}, fmt.Errorf("%w: %w", ErrSweepFailure, err)
	}
	start := s.cfg.Clock.Now()
	run := ReconciliationRun{
		ID:            id,
		IntegrationID: integrationID,
		Status:        RunRunning,
		StartedAt:     start,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return run, fmt.Errorf("%w: open run: %w", ErrSweepFailure, err)
	}

	var notes runNotes
	failed := s.scan(ctx, logger, &run, &notes, start, maxItems, hardTimeout)

	run.Status = RunSuccess
	if failed {
		run.Status = RunFailed
	}
	run.Notes = notes.String()
	run.FinishedAt = timePtr(s.cfg.Clock.Now())

	if err := s.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("%w: finish run: %w", ErrSweepFailure, err)
	}

	logger.Info("delivery reconcile finished",
		"run_id", run.ID,
		"status", run.Status,
		"checked", run.Checked,
		"drift_fixed", run.DriftFixed,
		"failures", run.Failures,
		"timed_out", run.TimedOut,
	)

	return run, nil
}

// scan walks the queued records and returns true when the run must be marked failed.
func (s *Sweeper) scan(
	ctx context.Context,
	logger Logger,
	run *ReconciliationRun,
	notes *runNotes,
	start time.Time,
	maxItems int,
	hardTimeout time.Duration,
) bool {
	if s.budgetSpent(start, hardTimeout) {
		s.markTimedOut(run, notes, hardTimeout)

		return false
	}

	records, err := s.store.ListQueued(ctx, run.IntegrationID, maxItems)
	if err != nil {
		notes.add("list queued records: %v", err)

		return true
	}

	for i := range records {
		if run.Checked >= maxItems {
			notes.add("max items %d reached", maxItems)

			break
		}
		if s.budgetSpent(start, hardTimeout) {
			s.markTimedOut(run, notes, hardTimeout)

			break
		}
		if err := ctx.Err(); err != nil {
			notes.add("interrupted after %d records: %v", run.Checked, err)

			return true
		}

		record := records[i]
		if record.Status != StatusQueued {
			continue
		}
		run.Checked++
		if record.RateLimitedAt != nil {
			run.RateLimited429++
		}

		now := s.cfg.Clock.Now()
		if now.Sub(record.CreatedAt) <= s.cfg.Staleness {
			continue
		}
		// A live claim means a dispatcher is calling the provider right now.
		if record.ClaimedUntil != nil && record.ClaimedUntil.After(now) {
			logger.Debug("delivery reconcile skipped claimed record", "record_id", record.ID, "claimed_until", *record.ClaimedUntil)

			continue
		}

		record.Attempts = 0
		record.NextAttemptAt = now
		record.ClaimedUntil = nil
		record.RateLimitedAt = nil
		record.UpdatedAt = now

		run.APICalls++
		if err := s.store.Update(ctx, &record); err != nil {
			if errors.Is(err, ErrStaleRecord) || errors.Is(err, ErrNotFound) {
				run.Failures++
				logger.Warn("delivery reconcile skipped record changed concurrently", "record_id", record.ID, "err", err)

				continue
			}
			run.Failures++
			notes.add("reset record %s: %v", record.ID, err)

			return true
		}
		run.DriftFixed++
		s.cfg.Metrics.AddDriftFixed(run.IntegrationID, 1)
		logger.Info("delivery reconcile reset stale record", "record_id", record.ID, "created_at", record.CreatedAt)
	}

	return false
}

func (s *Sweeper) budgetSpent(start time.Time, hardTimeout time.Duration) bool {
	return s.cfg.Clock.Now().Sub(start) >= hardTimeout
}

func (s *Sweeper) markTimedOut(run *ReconciliationRun, notes *runNotes, hardTimeout time.Duration) {
	run.TimedOut = true
	notes.add("%v (%s) after %d records", ErrSweepTimeout, hardTimeout, run.Checked)
}

// Revive moves a dead-lettered record back to queued with attempts reset and the next
// attempt due now. It is the operator path out of dead_letter.
func (s *Sweeper) Revive(ctx context.Context, id uuid.UUID) (Record, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.Status != StatusDeadLetter {
		return Record{}, fmt.Errorf("%w: record %s is %s, not %s", ErrInvalidTransition, id, record.Status, StatusDeadLetter)
	}

	now := s.cfg.Clock.Now()
	record.Status = StatusQueued
	record.Attempts = 0
	record.NextAttemptAt = now
	record.ClaimedUntil = nil
	record.UpdatedAt = now
	if err := s.store.Update(ctx, &record); err != nil {
		return Record{}, fmt.Errorf("delivery: revive record: %w", err)
	}

	s.cfg.Logger.Info("delivery record revived", "record_id", record.ID, "integration", record.IntegrationID)

	return record, nil
}

// Get returns a record by ID.
func (s *Sweeper) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.store.Get(ctx, id)
}
