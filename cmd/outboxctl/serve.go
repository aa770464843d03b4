package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/api"
	"github.com/velmie/delivery/logging"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(a *app) *cobra.Command {
	var (
		dispatchEvery  time.Duration
		reconcileEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and optionally run dispatch and reconciliation on a timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			registry, err := a.registry(ctx, p)
			if err != nil {
				return err
			}

			dispatcher := p.dispatcher(registry)
			sweeper := p.sweeper()
			srv := &http.Server{
				Addr: a.cnf.Server.Addr,
				Handler: api.NewRouter(api.Config{
					Enqueuer:          p.enqueuer(),
					Dispatcher:        dispatcher,
					Sweeper:           sweeper,
					AdminKey:          a.cnf.Server.AdminKey,
					RequestsPerSecond: a.cnf.Server.RequestsPerSecond,
					Burst:             a.cnf.Server.Burst,
					Logger:            logging.NewLogrus(a.logger),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.WithField("addr", srv.Addr).Info("admin api listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				return srv.Shutdown(shutdownCtx)
			})
			if dispatchEvery > 0 {
				g.Go(func() error {
					every(ctx, dispatchEvery, func(ctx context.Context) {
						summary, err := dispatcher.DispatchBatch(ctx, 0)
						switch {
						case errors.Is(err, delivery.ErrLockHeld):
						case err != nil:
							a.logger.WithError(err).Error("scheduled dispatch failed")
						case summary.Processed > 0:
							a.logger.WithField("sent", summary.Sent).WithField("failed", summary.Failed).Info("scheduled dispatch done")
						}
					})

					return nil
				})
			}
			if reconcileEvery > 0 {
				g.Go(func() error {
					every(ctx, reconcileEvery, func(ctx context.Context) {
						for integration := range a.cnf.LimitTable().Limits {
							run, err := sweeper.Reconcile(ctx, integration, 0, -1)
							if err == nil {
								err = run.Err()
							}
							if err != nil && !errors.Is(err, delivery.ErrLockHeld) {
								a.logger.WithError(err).WithField("integration", integration).Error("scheduled reconcile failed")
							}
						}
					})

					return nil
				})
			}

			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&dispatchEvery, "dispatch-every", 0, "dispatch a batch on this interval (0 disables)")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-every", 0, "reconcile every configured integration on this interval (0 disables)")

	return cmd
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
