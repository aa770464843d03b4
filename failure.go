package delivery

import "context"

// FailureAction defines how a failed delivery should be handled.
type FailureAction int

const (
	// FailureRetry schedules another attempt until MaxAttempts is reached.
	FailureRetry FailureAction = iota
	// FailureDead dead-letters the record immediately, e.g. for permanent 4xx answers.
	FailureDead
)

// FailureClassifier decides whether a provider failure is retryable.
// It is not consulted for rate limit answers.
type FailureClassifier func(ctx context.Context, record Record, err error) FailureAction

// FailureHandler is called after a delivery attempt fails.
type FailureHandler func(ctx context.Context, record Record, err error)

func defaultFailureClassifier(context.Context, Record, error) FailureAction {
	return FailureRetry
}
