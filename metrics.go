package delivery

import "time"

// Metrics captures pipeline telemetry. Integration-scoped methods receive the integration ID as a label.
type Metrics interface {
	// ObserveBatchDuration records the time to dispatch a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddEnqueued increments the count of newly created records.
	AddEnqueued(count int)
	// AddDeduplicated increments the count of enqueues resolved to an existing record.
	AddDeduplicated(count int)
	// AddSent increments the count of delivered records.
	AddSent(integration string, count int)
	// AddFailed increments the count of retryable delivery failures.
	AddFailed(integration string, count int)
	// AddDeadLetter increments the count of dead-lettered records.
	AddDeadLetter(integration string, count int)
	// AddRateLimited increments the count of provider rate limit answers.
	AddRateLimited(integration string, count int)
	// ObservePacingDelay records how long a call waited for its rate limit slot.
	ObservePacingDelay(integration string, delay time.Duration)
	// AddDriftFixed increments the count of stale records reset by reconciliation.
	AddDriftFixed(integration string, count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddEnqueued implements Metrics.
func (NopMetrics) AddEnqueued(int) {}

// AddDeduplicated implements Metrics.
func (NopMetrics) AddDeduplicated(int) {}

// AddSent implements Metrics.
func (NopMetrics) AddSent(string, int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(string, int) {}

// AddDeadLetter implements Metrics.
func (NopMetrics) AddDeadLetter(string, int) {}

// AddRateLimited implements Metrics.
func (NopMetrics) AddRateLimited(string, int) {}

// ObservePacingDelay implements Metrics.
func (NopMetrics) ObservePacingDelay(string, time.Duration) {}

// AddDriftFixed implements Metrics.
func (NopMetrics) AddDriftFixed(string, int) {}
