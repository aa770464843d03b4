package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/api"
	"github.com/velmie/delivery/config"
	"github.com/velmie/delivery/logging"
	"github.com/velmie/delivery/mysql"
	"github.com/velmie/delivery/postgres"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func enqueueCommand(a *app) *cobra.Command {
	var intent struct {
		integration, operation, resource, payload string
	}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Admit a delivery intent; repeated intents return the existing record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			record, err := p.enqueuer().Enqueue(cmd.Context(), delivery.Intent{
				IntegrationID:    intent.integration,
				Operation:        intent.operation,
				StableResourceID: intent.resource,
				Payload:          json.RawMessage(intent.payload),
			})
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), api.NewRecordView(record))
		},
	}
	cmd.Flags().StringVar(&intent.integration, "integration", "", "integration ID")
	cmd.Flags().StringVar(&intent.operation, "operation", "", "operation name")
	cmd.Flags().StringVar(&intent.resource, "resource", "", "stable resource ID")
	cmd.Flags().StringVar(&intent.payload, "payload", "", "JSON payload")

	return cmd
}

func getCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a delivery record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := delivery.ParseID(args[0])
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			record, err := p.sweeper().Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), api.NewRecordView(record))
		},
	}
}

func dispatchCommand(a *app) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Claim and deliver one batch of due records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			registry, err := a.registry(cmd.Context(), p)
			if err != nil {
				return err
			}

			summary, err := p.dispatcher(registry).DispatchBatch(cmd.Context(), batchSize)
			if err != nil && !errors.Is(err, delivery.ErrLockHeld) {
				return err
			}
			if errors.Is(err, delivery.ErrLockHeld) {
				a.logger.Info("dispatch skipped, another dispatcher holds the lock")
			}

			return printJSON(cmd.OutOrStdout(), api.NewSummaryView(summary))
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per batch (0 uses the configured size)")

	return cmd
}

func reconcileCommand(a *app) *cobra.Command {
	var (
		integration string
		maxItems    int
		hardTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reset stale queued records of one integration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			run, err := p.sweeper().Reconcile(cmd.Context(), integration, maxItems, hardTimeout)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), api.NewRunView(run)); err != nil {
				return err
			}

			return run.Err()
		},
	}
	cmd.Flags().StringVar(&integration, "integration", "", "integration ID")
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "records to check (0 uses the configured limit)")
	cmd.Flags().DurationVar(&hardTimeout, "hard-timeout", -1, "run time budget (negative uses the configured budget)")

	return cmd
}

func reviveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revive <id>",
		Short: "Move a dead-lettered record back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := delivery.ParseID(args[0])
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			record, err := p.sweeper().Revive(cmd.Context(), id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), api.NewRecordView(record))
		},
	}
}

func migrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the outbox schema",
	}
	cmd.AddCommand(migrateDirection(a, "up", migrate.Up), migrateDirection(a, "down", migrate.Down))

	return cmd
}

func migrateDirection(a *app, use string, dir migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Apply migrations " + use,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cnf := a.cnf
			switch cnf.Database.Driver {
			case config.DriverPostgres:
				db, err := openDB(cnf)
				if err != nil {
					return err
				}
				defer db.Close()

				n, err := postgres.Migrate(db, dir)
				if err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				a.logger.WithField("applied", n).Infof("migrated %s", use)

				return nil
			case config.DriverMySQL:
				if dir != migrate.Up {
					return errors.New("mysql schema supports migrate up only")
				}
				db, err := openDB(cnf)
				if err != nil {
					return err
				}
				defer db.Close()

				stmts, err := mysql.Schema(cnf.Database.Table, cnf.Database.RunsTable)
				if err != nil {
					return err
				}
				for _, stmt := range stmts {
					if _, err := db.ExecContext(cmd.Context(), stmt); err != nil {
						return fmt.Errorf("migrate up: %w", err)
					}
				}
				a.logger.WithField("statements", len(stmts)).Info("migrated up")

				return nil
			default:
				return fmt.Errorf("migrations are not needed for driver %q", cnf.Database.Driver)
			}
		},
	}
}

func pruneRunsCommand(a *app) *cobra.Command {
	var (
		retention  time.Duration
		checkEvery time.Duration
		limit      int
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "prune-runs",
		Short: "Delete old finished reconciliation runs; delivery records are never pruned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				retention = a.cnf.RunRetention()
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			switch {
			case p.mysql != nil:
				pruner, err := mysql.NewRunPruner(p.db, mysql.RunPrunerConfig{
					RunsTable:  a.cnf.Database.RunsTable,
					Retention:  retention,
					CheckEvery: checkEvery,
					Limit:      limit,
					Logger:     logging.NewLogrus(a.logger),
					Locker:     p.locker,
				})
				if err != nil {
					return err
				}
				if !once {
					if err := pruner.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
						return err
					}

					return nil
				}
				deleted, err := pruner.Prune(cmd.Context())
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
			case p.postgres != nil:
				if limit <= 0 {
					limit = 10000
				}
				lockName := pruneLockPrefix + a.cnf.Database.RunsTable
				prune := func(ctx context.Context) (int64, error) {
					return lockedPrune(ctx, p.locker, lockName, func(ctx context.Context) (int64, error) {
						return p.postgres.PruneRuns(ctx, delivery.SystemClock{}.Now().Add(-retention), limit)
					})
				}
				if !once {
					pass := func(ctx context.Context) {
						deleted, err := prune(ctx)
						if err != nil {
							a.logger.WithError(err).Error("prune reconciliation runs")

							return
						}
						a.logger.WithField("deleted", deleted).Info("pruned reconciliation runs")
					}
					pass(cmd.Context())
					every(cmd.Context(), checkEvery, pass)

					return nil
				}
				deleted, err := prune(cmd.Context())
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
			default:
				return fmt.Errorf("prune-runs is not supported for driver %q", a.cnf.Database.Driver)
			}
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep runs finished within this window (0 uses the configured retention)")
	cmd.Flags().DurationVar(&checkEvery, "check-every", time.Hour, "interval between passes when not running once")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows deleted per pass (0 uses the default)")
	cmd.Flags().BoolVar(&once, "once", true, "run a single pass and exit")

	return cmd
}

// pruneLockPrefix matches the lock name mysql.RunPruner uses, so drivers coordinate the same way.
const pruneLockPrefix = "delivery:prune:"

// lockedPrune runs prune under the named lock. It deletes nothing when another process
// holds the lock.
func lockedPrune(ctx context.Context, locker delivery.Locker, name string, prune func(context.Context) (int64, error)) (int64, error) {
	unlock, locked, err := locker.TryLock(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("acquire prune lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		_ = unlock(context.WithoutCancel(ctx))
	}()

	return prune(ctx)
}
