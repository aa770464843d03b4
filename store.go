package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimOptions controls how due records are claimed for dispatch.
type ClaimOptions struct {
	// Now is the reference time for next_attempt_at and lease expiry.
	Now time.Time
	// Limit caps the number of claimed records.
	Limit int
	// LeaseUntil is written to claimed_until on every claimed record.
	LeaseUntil time.Time
}

// Store persists outbox records.
//
// Implementations must enforce idempotency key uniqueness with a unique constraint and
// apply Update as a compare-and-swap on Record.Version.
type Store interface {
	// Create inserts a new record. It returns ErrDuplicateKey when the idempotency key exists.
	Create(ctx context.Context, record Record) error
	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// GetByKey returns the record with the given idempotency key or ErrNotFound.
	GetByKey(ctx context.Context, key string) (Record, error)
	// ClaimDue atomically leases queued records whose next attempt is due and whose
	// previous lease, if any, has expired. Records are ordered by next_attempt_at, id.
	ClaimDue(ctx context.Context, opts ClaimOptions) ([]Record, error)
	// Update writes the mutable fields of record if its stored version still equals
	// record.Version, then increments record.Version. It returns ErrStaleRecord on a
	// version mismatch and ErrNotFound when the record does not exist.
	Update(ctx context.Context, record *Record) error
	// ListQueued returns up to limit queued records of one integration, oldest first.
	ListQueued(ctx context.Context, integrationID string, limit int) ([]Record, error)
}

// RunStore persists reconciliation runs.
type RunStore interface {
	// CreateRun inserts a run in the running state.
	CreateRun(ctx context.Context, run ReconciliationRun) error
	// FinishRun stores the final status, counters and notes of a run.
	FinishRun(ctx context.Context, run ReconciliationRun) error
}

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker provides named, non-blocking mutual exclusion across processes.
type Locker interface {
	// TryLock attempts to take the named lock without waiting.
	// It returns false when another holder owns the lock.
	TryLock(ctx context.Context, name string) (Unlock, bool, error)
}
