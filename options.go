package delivery

import "time"

const (
	defaultBatchSize           = 50
	defaultWorkers             = 1
	defaultCallTimeout         = 30 * time.Second
	defaultClaimLease          = 15 * time.Minute
	defaultMaxAttempts         = 5
	defaultBackoffBase         = time.Second
	defaultRateLimitRetryAfter = 60 * time.Second
	defaultSweepMaxItems       = 3000
	defaultSweepHardTimeout    = 6900 * time.Second
	defaultStaleness           = 6 * time.Hour
	defaultDispatchLockName    = "delivery:dispatch"
	defaultSweepLockPrefix     = "delivery:reconcile:"
)

// Config holds the settings shared by the Enqueuer, Dispatcher and Sweeper.
// Each component reads the fields it needs.
type Config struct {
	// BatchSize is used when DispatchBatch receives zero.
	BatchSize int
	// Workers is the number of integration partitions dispatched concurrently.
	Workers int
	// CallTimeout bounds every adapter call. A timeout counts as a provider failure.
	CallTimeout time.Duration
	// ClaimLease is how long a claimed record is hidden from other dispatchers.
	ClaimLease time.Duration
	// MaxAttempts is the failure count that moves a record to dead_letter.
	MaxAttempts int
	// BackoffBase is multiplied by 2^attempts to schedule the next retry.
	BackoffBase time.Duration
	// MaxBackoff caps the retry delay. Zero disables the cap.
	MaxBackoff time.Duration
	// RateLimitRetryAfter applies when a 429 carries no retry hint.
	RateLimitRetryAfter time.Duration
	// SweepMaxItems is used when Reconcile receives a non-positive maxItems.
	SweepMaxItems int
	// SweepHardTimeout is used when Reconcile receives a negative hardTimeout.
	SweepHardTimeout time.Duration
	// Staleness is the queued age after which reconciliation resets a record.
	Staleness time.Duration
	// Limits is the injected per-integration rate limit table.
	Limits LimitTable
	// Pacer spaces calls per integration. Defaults to a LocalPacer.
	Pacer Pacer
	// Locker optionally serializes dispatchers and sweepers across processes.
	Locker Locker
	// DispatchLockName is the Locker key for DispatchBatch.
	DispatchLockName string
	// Clock is the time source.
	Clock Clock
	// Generator creates record and run IDs.
	Generator IDGenerator
	// Logger receives structured events.
	Logger Logger
	// Metrics receives counters.
	Metrics Metrics
	// FailureClassifier decides retry or immediate dead-letter for provider failures.
	FailureClassifier FailureClassifier
	// ErrorHandler is called after each failed delivery attempt.
	ErrorHandler FailureHandler
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaultClaimLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.RateLimitRetryAfter <= 0 {
		c.RateLimitRetryAfter = defaultRateLimitRetryAfter
	}
	if c.SweepMaxItems <= 0 {
		c.SweepMaxItems = defaultSweepMaxItems
	}
	if c.SweepHardTimeout < 0 {
		c.SweepHardTimeout = defaultSweepHardTimeout
	}
	if c.Staleness <= 0 {
		c.Staleness = defaultStaleness
	}
	if c.Limits.Limits == nil && c.Limits.Default == (Limit{}) {
		c.Limits = DefaultLimits()
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Pacer == nil {
		c.Pacer = NewLocalPacer(c.Clock, nil)
	}
	if c.DispatchLockName == "" {
		c.DispatchLockName = defaultDispatchLockName
	}
	if c.Generator == nil {
		c.Generator = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}

	return c
}

// Option configures pipeline behavior.
type Option func(*Config)

// WithBatchSize sets the default number of records claimed per dispatch.
func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.BatchSize = size
	}
}

// WithWorkers sets how many integration partitions are dispatched concurrently.
func WithWorkers(count int) Option {
	return func(c *Config) {
		c.Workers = count
	}
}

// WithCallTimeout sets the per-call adapter timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CallTimeout = timeout
	}
}

// WithClaimLease sets how long claimed records stay invisible to other dispatchers.
// It should exceed the time a full batch takes under the slowest rate limit.
func WithClaimLease(lease time.Duration) Option {
	return func(c *Config) {
		c.ClaimLease = lease
	}
}

// WithMaxAttempts sets the number of failures before a record is dead-lettered.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff sets the retry base delay and optional cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(c *Config) {
		c.BackoffBase = base
		c.MaxBackoff = limit
	}
}

// WithRateLimitRetryAfter sets the delay used when a 429 has no retry hint.
func WithRateLimitRetryAfter(d time.Duration) Option {
	return func(c *Config) {
		c.RateLimitRetryAfter = d
	}
}

// WithSweepDefaults sets the maxItems and hard timeout used when Reconcile gets no explicit values.
func WithSweepDefaults(maxItems int, hardTimeout time.Duration) Option {
	return func(c *Config) {
		c.SweepMaxItems = maxItems
		c.SweepHardTimeout = hardTimeout
	}
}

// WithStaleness sets the age after which a queued record counts as stuck.
func WithStaleness(d time.Duration) Option {
	return func(c *Config) {
		c.Staleness = d
	}
}

// WithLimits injects the rate limit table.
func WithLimits(limits LimitTable) Option {
	return func(c *Config) {
		c.Limits = limits
	}
}

// WithPacer sets the rate limit pacer, e.g. a Redis-backed one shared across processes.
func WithPacer(pacer Pacer) Option {
	return func(c *Config) {
		c.Pacer = pacer
	}
}

// WithLocker enables single-active-worker locking for dispatch and reconciliation.
func WithLocker(locker Locker) Option {
	return func(c *Config) {
		c.Locker = locker
	}
}

// WithDispatchLockName overrides the Locker key used by DispatchBatch.
func WithDispatchLockName(name string) Option {
	return func(c *Config) {
		c.DispatchLockName = name
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the ID generator.
func WithGenerator(gen IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier for retry/dead-letter decisions.
func WithFailureClassifier(classifier FailureClassifier) Option {
	return func(c *Config) {
		c.FailureClassifier = classifier
	}
}

// WithErrorHandler registers a callback for failed delivery attempts.
func WithErrorHandler(handler FailureHandler) Option {
	return func(c *Config) {
		c.ErrorHandler = handler
	}
}

func newConfig(opts []Option) Config {
	var cfg Config
	cfg.SweepHardTimeout = -1
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg.withDefaults()
}
