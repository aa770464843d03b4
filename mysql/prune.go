package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/delivery"
)

const (
	defaultPruneLimit      = 10000
	defaultPruneEvery      = time.Hour
	defaultPruneLockPrefix = "delivery:prune:"
)

// PruneOptions selects finished reconciliation runs to delete.
type PruneOptions struct {
	// Before removes runs finished at or before this time (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// PruneRuns deletes finished reconciliation runs. Running runs and delivery records are
// never deleted.
func (s *Store) PruneRuns(ctx context.Context, opts PruneOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultPruneLimit
	}
	if limit < 0 {
		return 0, ErrPruneLimitInvalid
	}

	res, err := s.q.ExecContext(ctx, s.queries.pruneRuns, string(delivery.RunRunning), opts.Before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: prune runs failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delivery mysql: prune rows failed: %w", err)
	}

	return affected, nil
}

// RunPrunerConfig controls periodic run history pruning.
type RunPrunerConfig struct {
	// RunsTable is the reconciliation runs table name.
	RunsTable string
	// Retention removes runs finished before now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between prune passes.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per pass (0 uses the default).
	Limit int
	// LockName is the named lock. Defaults to delivery:prune:<table>.
	LockName string
	Clock    delivery.Clock
	Logger   delivery.Logger
	// Locker overrides the GET_LOCK locker, e.g. with a Redis one.
	Locker delivery.Locker
}

// RunPruner periodically deletes old reconciliation runs.
type RunPruner struct {
	store *Store
	cfg   RunPrunerConfig
}

// NewRunPruner creates a pruner with defaults applied.
func NewRunPruner(db *sql.DB, cfg RunPrunerConfig) (*RunPruner, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrPruneRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = delivery.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = delivery.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPruneEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultPruneLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrPruneLimitInvalid
	}

	store, err := NewStore(db, WithRunsTable(cfg.RunsTable), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.RunsTable = store.runs
	if cfg.LockName == "" {
		cfg.LockName = defaultPruneLockPrefix + cfg.RunsTable
	}
	if cfg.Locker == nil {
		locker, err := NewLocker(db, cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Locker = locker
	}

	return &RunPruner{store: store, cfg: cfg}, nil
}

// Run prunes on every tick until the context is canceled.
func (p *RunPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := p.Prune(ctx); err != nil {
		p.cfg.Logger.Warn("delivery run prune failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil {
				p.cfg.Logger.Warn("delivery run prune failed", "err", err)
			}
		}
	}
}

// Prune executes a single pass under the prune lock. It returns zero when another
// process holds the lock.
func (p *RunPruner) Prune(ctx context.Context) (int64, error) {
	unlock, locked, err := p.cfg.Locker.TryLock(ctx, p.cfg.LockName)
	if err != nil {
		return 0, err
	}
	if !locked {
		p.cfg.Logger.Debug("delivery run prune lock held by another session")

		return 0, nil
	}
	defer func() {
		_ = unlock(context.WithoutCancel(ctx))
	}()

	deleted, err := p.store.PruneRuns(ctx, PruneOptions{
		Before: p.cfg.Clock.Now().Add(-p.cfg.Retention),
		Limit:  p.cfg.Limit,
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.cfg.Logger.Info("delivery runs pruned", "deleted", deleted, "table", p.cfg.RunsTable)
	}

	return deleted, nil
}
