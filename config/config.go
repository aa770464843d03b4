// Package config loads process configuration for the delivery binaries.
//
// Values come from an optional JSON file, then a .env file, then DELIVERY_* environment
// variables, in increasing priority. Environment names follow the field path, for example
// DELIVERY_DATABASE_DSN or DELIVERY_DISPATCH_CALL_TIMEOUT_SECONDS. Rate limits and webhooks
// are only read from the JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/velmie/delivery"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "delivery"

// Supported database drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	defaultServerAddr = ":8080"
	defaultLogLevel   = "info"
	defaultLogFormat  = "json"
)

var (
	// ErrDSNRequired is returned when a SQL driver is configured without a DSN.
	ErrDSNRequired = errors.New("config: database dsn is required")
	// ErrUnknownDriver is returned for an unsupported database driver.
	ErrUnknownDriver = errors.New("config: unknown database driver")
	// ErrInvalidLimit is returned when a rate limit entry is negative or sets no ceiling.
	ErrInvalidLimit = errors.New("config: rate limits must be non-negative with at least one positive ceiling")
)

// DatabaseConfig selects and addresses the outbox store.
type DatabaseConfig struct {
	Driver    string `json:"driver" split_words:"true"`
	DSN       string `json:"dsn" split_words:"true"`
	Table     string `json:"table" split_words:"true"`
	RunsTable string `json:"runs_table" split_words:"true"`
}

// RedisConfig enables distributed pacing and locking when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr" split_words:"true"`
	Password string `json:"password" split_words:"true"`
	DB       int    `json:"db" split_words:"true"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	BatchSize          int `json:"batch_size" split_words:"true"`
	Workers            int `json:"workers" split_words:"true"`
	CallTimeoutSeconds int `json:"call_timeout_seconds" split_words:"true"`
	ClaimLeaseSeconds  int `json:"claim_lease_seconds" split_words:"true"`
	MaxAttempts        int `json:"max_attempts" split_words:"true"`
}

// ReconcileConfig tunes the sweeper.
type ReconcileConfig struct {
	MaxItems           int `json:"max_items" split_words:"true"`
	HardTimeoutSeconds int `json:"hard_timeout_seconds" split_words:"true"`
	StalenessSeconds   int `json:"staleness_seconds" split_words:"true"`
	RunRetentionDays   int `json:"run_retention_days" split_words:"true"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Addr     string `json:"addr" split_words:"true"`
	AdminKey string `json:"admin_key" split_words:"true"`
	// RequestsPerSecond limits API requests per client. Zero disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second" split_words:"true"`
	Burst             int     `json:"burst" split_words:"true"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `json:"level" split_words:"true"`
	Format string `json:"format" split_words:"true"`
}

// WebhookConfig binds an integration to an HTTP endpoint.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// SESConfig enables the SES email adapter when From is set.
type SESConfig struct {
	Integration      string `json:"integration" split_words:"true"`
	From             string `json:"from" split_words:"true"`
	ConfigurationSet string `json:"configuration_set" split_words:"true"`
}

// KafkaConfig enables the Kafka adapter when Brokers is set.
type KafkaConfig struct {
	Integration string `json:"integration" split_words:"true"`
	Brokers     string `json:"brokers" split_words:"true"`
	Topic       string `json:"topic" split_words:"true"`
}

// Configuration is the full process configuration.
type Configuration struct {
	Database  DatabaseConfig  `json:"database" split_words:"true"`
	Redis     RedisConfig     `json:"redis" split_words:"true"`
	Dispatch  DispatchConfig  `json:"dispatch" split_words:"true"`
	Reconcile ReconcileConfig `json:"reconcile" split_words:"true"`
	Server    ServerConfig    `json:"server" split_words:"true"`
	Log       LogConfig       `json:"log" split_words:"true"`
	SES       SESConfig       `json:"ses" split_words:"true"`
	Kafka     KafkaConfig     `json:"kafka" split_words:"true"`

	Limits       map[string]delivery.Limit `json:"limits" ignored:"true"`
	DefaultLimit delivery.Limit            `json:"default_limit" ignored:"true"`
	Webhooks     map[string]WebhookConfig  `json:"webhooks" ignored:"true"`
}

// Load reads file (optional, JSON) and dotenv (optional), applies DELIVERY_* overrides
// and fills defaults. Missing files are not an error.
func Load(file, dotenv string) (Configuration, error) {
	var cnf Configuration

	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cnf); err != nil {
				return Configuration{}, fmt.Errorf("config: decode %s: %w", file, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Configuration{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Configuration{}, fmt.Errorf("config: load %s: %w", dotenv, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cnf); err != nil {
		return Configuration{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		return Configuration{}, err
	}

	return cnf, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	cnf.Database.Driver = strings.ToLower(strings.TrimSpace(cnf.Database.Driver))
	cnf.Database.DSN = strings.TrimSpace(cnf.Database.DSN)
	if cnf.Database.Driver == "" {
		cnf.Database.Driver = DriverMySQL
	}
	switch cnf.Database.Driver {
	case DriverMySQL, DriverPostgres:
		if cnf.Database.DSN == "" {
			return ErrDSNRequired
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, cnf.Database.Driver)
	}
	if cnf.Database.Table == "" {
		cnf.Database.Table = "deliveries"
	}
	if cnf.Database.RunsTable == "" {
		cnf.Database.RunsTable = "reconciliation_runs"
	}

	if cnf.Dispatch.BatchSize <= 0 {
		cnf.Dispatch.BatchSize = 50
	}
	if cnf.Dispatch.Workers <= 0 {
		cnf.Dispatch.Workers = 1
	}
	if cnf.Dispatch.CallTimeoutSeconds <= 0 {
		cnf.Dispatch.CallTimeoutSeconds = 30
	}
	if cnf.Dispatch.ClaimLeaseSeconds <= 0 {
		cnf.Dispatch.ClaimLeaseSeconds = 900
	}
	if cnf.Dispatch.MaxAttempts <= 0 {
		cnf.Dispatch.MaxAttempts = 5
	}

	if cnf.Reconcile.MaxItems <= 0 {
		cnf.Reconcile.MaxItems = 3000
	}
	if cnf.Reconcile.HardTimeoutSeconds < 0 {
		cnf.Reconcile.HardTimeoutSeconds = 0
	}
	if cnf.Reconcile.HardTimeoutSeconds == 0 {
		cnf.Reconcile.HardTimeoutSeconds = 6900
	}
	if cnf.Reconcile.StalenessSeconds <= 0 {
		cnf.Reconcile.StalenessSeconds = 6 * 3600
	}
	if cnf.Reconcile.RunRetentionDays <= 0 {
		cnf.Reconcile.RunRetentionDays = 30
	}

	cnf.Server.Addr = strings.TrimSpace(cnf.Server.Addr)
	if cnf.Server.Addr == "" {
		cnf.Server.Addr = defaultServerAddr
	}
	if cnf.Server.RequestsPerSecond > 0 && cnf.Server.Burst <= 0 {
		cnf.Server.Burst = 2 * int(cnf.Server.RequestsPerSecond)
		if cnf.Server.Burst == 0 {
			cnf.Server.Burst = 1
		}
	}

	if cnf.Log.Level == "" {
		cnf.Log.Level = defaultLogLevel
	}
	if cnf.Log.Format == "" {
		cnf.Log.Format = defaultLogFormat
	}

	if cnf.SES.Integration == "" {
		cnf.SES.Integration = "email"
	}
	if cnf.Kafka.Integration == "" {
		cnf.Kafka.Integration = "kafka"
	}

	for id, limit := range cnf.Limits {
		if limit.RequestsPerMinute < 0 || limit.RequestsPerSecond < 0 || limit.Interval() == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, id)
		}
	}
	if cnf.DefaultLimit.RequestsPerMinute < 0 || cnf.DefaultLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: default", ErrInvalidLimit)
	}

	return nil
}

// LimitTable returns the configured rate limits, or the built-in table when none are set.
func (cnf Configuration) LimitTable() delivery.LimitTable {
	table := delivery.DefaultLimits()
	if len(cnf.Limits) > 0 {
		table.Limits = make(map[string]delivery.Limit, len(cnf.Limits))
		for id, limit := range cnf.Limits {
			table.Limits[id] = limit
		}
	}
	if cnf.DefaultLimit != (delivery.Limit{}) {
		table.Default = cnf.DefaultLimit
	}

	return table
}

// Options converts the dispatch and reconcile settings to delivery options.
func (cnf Configuration) Options() []delivery.Option {
	return []delivery.Option{
		delivery.WithBatchSize(cnf.Dispatch.BatchSize),
		delivery.WithWorkers(cnf.Dispatch.Workers),
		delivery.WithCallTimeout(seconds(cnf.Dispatch.CallTimeoutSeconds)),
		delivery.WithClaimLease(seconds(cnf.Dispatch.ClaimLeaseSeconds)),
		delivery.WithMaxAttempts(cnf.Dispatch.MaxAttempts),
		delivery.WithSweepDefaults(cnf.Reconcile.MaxItems, seconds(cnf.Reconcile.HardTimeoutSeconds)),
		delivery.WithStaleness(seconds(cnf.Reconcile.StalenessSeconds)),
		delivery.WithLimits(cnf.LimitTable()),
	}
}

// RunRetention is how long finished reconciliation runs are kept.
func (cnf Configuration) RunRetention() time.Duration {
	return time.Duration(cnf.Reconcile.RunRetentionDays) * 24 * time.Hour
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
