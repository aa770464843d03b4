package mysql

import "github.com/velmie/delivery"

const (
	defaultTable     = "deliveries"
	defaultRunsTable = "reconciliation_runs"
)

// Config defines MySQL store behavior.
type Config struct {
	// Table holds delivery records. Use schema.table for a non-default schema.
	Table string
	// RunsTable holds reconciliation runs.
	RunsTable string
	Logger    delivery.Logger
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.RunsTable == "" {
		c.RunsTable = defaultRunsTable
	}
	if c.Logger == nil {
		c.Logger = delivery.NopLogger{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the delivery records table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithRunsTable sets the reconciliation runs table name.
func WithRunsTable(name string) Option {
	return func(c *Config) {
		c.RunsTable = name
	}
}

// WithLogger sets the logger used for rollback and lock release warnings.
func WithLogger(logger delivery.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
