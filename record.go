package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is a durable delivery intent stored in the outbox.
type Record struct {
	ID               uuid.UUID
	IntegrationID    string
	Operation        string
	StableResourceID string
	Payload          json.RawMessage
	IdempotencyKey   string
	Status           Status
	Attempts         int
	NextAttemptAt    time.Time
	// RateLimitedAt annotates the last 429 from the provider. The status stays queued.
	RateLimitedAt    *time.Time
	LastError        *string
	ProviderResponse json.RawMessage
	// ClaimedUntil is the dispatch lease. A claimed record is skipped by other dispatchers until it expires.
	ClaimedUntil *time.Time
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Version increments on every store write and guards compare-and-swap updates.
	Version int64
}

// Due reports whether the record is eligible for a dispatch claim at now.
func (r Record) Due(now time.Time) bool {
	if r.Status != StatusQueued || r.NextAttemptAt.After(now) {
		return false
	}

	return r.ClaimedUntil == nil || !r.ClaimedUntil.After(now)
}

// ReconciliationRun is the audit row of a single sweep over one integration.
type ReconciliationRun struct {
	ID             uuid.UUID
	IntegrationID  string
	Status         RunStatus
	Checked        int
	DriftFixed     int
	APICalls       int
	RateLimited429 int
	Failures       int
	TimedOut       bool
	Notes          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Err returns ErrSweepFailure wrapped with the run notes when the run failed.
func (r ReconciliationRun) Err() error {
	if r.Status != RunFailed {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrSweepFailure, r.Notes)
}

func stringPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
