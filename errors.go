package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest indicates a missing or malformed enqueue or sweep input.
	ErrInvalidRequest = errors.New("delivery invalid request")
	// ErrNotFound indicates an unknown record or an unconfigured integration.
	ErrNotFound = errors.New("delivery not found")
	// ErrProviderRateLimited indicates the provider answered with a rate limit.
	ErrProviderRateLimited = errors.New("delivery provider rate limited")
	// ErrProviderFailure indicates any other provider error, including timeouts.
	ErrProviderFailure = errors.New("delivery provider failure")
	// ErrSweepTimeout marks a sweep stopped by its hard timeout. It is recorded in run notes, never returned.
	ErrSweepTimeout = errors.New("delivery sweep hard timeout reached")
	// ErrSweepFailure indicates a sweep that could not complete.
	ErrSweepFailure = errors.New("delivery sweep failed")

	// ErrDuplicateKey is returned by stores when the idempotency key already exists.
	ErrDuplicateKey = errors.New("delivery idempotency key already exists")
	// ErrStaleRecord is returned by stores when a compare-and-swap update lost the race.
	ErrStaleRecord = errors.New("delivery record was modified concurrently")
	// ErrInvalidTransition is returned when a record is not in the state an operation requires.
	ErrInvalidTransition = errors.New("delivery invalid status transition")
	// ErrInvalidBatchSize indicates that the requested batch size is negative.
	ErrInvalidBatchSize = errors.New("delivery batch size must be positive")
	// ErrLockHeld indicates another dispatcher or sweeper holds the run lock.
	ErrLockHeld = errors.New("delivery lock held by another worker")
	// ErrAdapterPanic indicates a provider adapter panicked.
	ErrAdapterPanic = errors.New("delivery adapter panic")
	// ErrNoAdapter indicates no adapter is registered for an integration.
	ErrNoAdapter = fmt.Errorf("%w: no adapter registered", ErrNotFound)

	// ErrIntegrationRequired is returned when Intent.IntegrationID is empty.
	ErrIntegrationRequired = fmt.Errorf("%w: integration id is required", ErrInvalidRequest)
	// ErrOperationRequired is returned when Intent.Operation is empty.
	ErrOperationRequired = fmt.Errorf("%w: operation is required", ErrInvalidRequest)
	// ErrResourceRequired is returned when Intent.StableResourceID is empty.
	ErrResourceRequired = fmt.Errorf("%w: stable resource id is required", ErrInvalidRequest)
	// ErrPayloadRequired is returned when Intent.Payload is empty or null.
	ErrPayloadRequired = fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	// ErrInvalidEncoding is returned when an intent identifier is not valid UTF-8.
	ErrInvalidEncoding = fmt.Errorf("%w: identifiers must be valid UTF-8", ErrInvalidRequest)
	// ErrInvalidPayload is returned when Intent.Payload is not valid JSON.
	ErrInvalidPayload = fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRequest)
)

// RateLimitedError lets adapters report a provider rate limit as an error.
type RateLimitedError struct {
	// RetryAfter is the provider hint. Zero means the dispatcher default applies.
	RetryAfter time.Duration
	Err        error
}

// Error implements error.
func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (retry after %s)", ErrProviderRateLimited, e.RetryAfter)
	}

	return fmt.Sprintf("%s (retry after %s): %v", ErrProviderRateLimited, e.RetryAfter, e.Err)
}

// Unwrap returns the wrapped errors so errors.Is matches ErrProviderRateLimited.
func (e *RateLimitedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderRateLimited}
	}

	return []error{ErrProviderRateLimited, e.Err}
}
