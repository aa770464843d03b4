// Command outboxctl operates the delivery pipeline: enqueue intents, run dispatch and
// reconciliation batches from an external scheduler, revive dead letters, migrate the
// schema and serve the admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/velmie/delivery/config"
	"github.com/velmie/delivery/logging"
)

// app carries the loaded configuration into subcommands.
type app struct {
	configFile string
	envFile    string

	cnf    config.Configuration
	logger *logrus.Logger
}

func (a *app) preRun(cmd *cobra.Command, _ []string) error {
	cnf, err := config.Load(a.configFile, a.envFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewWithOutput(cmd.ErrOrStderr(), cnf.Log.Level, cnf.Log.Format)
	if err != nil {
		return err
	}

	a.cnf = cnf
	a.logger = logger

	return nil
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "outboxctl",
		Short:             "Operate the outbound delivery pipeline",
		SilenceUsage:      true,
		PersistentPreRunE: a.preRun,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "delivery.json", "JSON configuration file (optional)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file (optional)")

	root.AddCommand(
		enqueueCommand(a),
		getCommand(a),
		dispatchCommand(a),
		reconcileCommand(a),
		reviveCommand(a),
		migrateCommand(a),
		pruneRunsCommand(a),
		serveCommand(a),
		benchCommand(a),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
