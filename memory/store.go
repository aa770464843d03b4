// Package memory provides an in-process outbox store for tests and single-node development.
//
// It honors the same contracts as the SQL stores: unique idempotency keys, lease-based
// claims and version compare-and-swap updates. Records and runs are lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

// Store is a mutex-guarded map store.
type Store struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]delivery.Record
	byKey map[string]uuid.UUID
	runs  map[uuid.UUID]delivery.ReconciliationRun
	locks map[string]struct{}
}

var (
	_ delivery.Store    = (*Store)(nil)
	_ delivery.RunStore = (*Store)(nil)
	_ delivery.Locker   = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		byID:  make(map[uuid.UUID]delivery.Record),
		byKey: make(map[string]uuid.UUID),
		runs:  make(map[uuid.UUID]delivery.ReconciliationRun),
		locks: make(map[string]struct{}),
	}
}

// Create implements delivery.Store.
func (s *Store) Create(ctx context.Context, record delivery.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[record.IdempotencyKey]; ok {
		return delivery.ErrDuplicateKey
	}
	if _, ok := s.byID[record.ID]; ok {
		return delivery.ErrDuplicateKey
	}
	s.byID[record.ID] = clone(record)
	s.byKey[record.IdempotencyKey] = record.ID

	return nil
}

// Get implements delivery.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (delivery.Record, error) {
	if err := ctx.Err(); err != nil {
		return delivery.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if !ok {
		return delivery.Record{}, delivery.ErrNotFound
	}

	return clone(record), nil
}

// GetByKey implements delivery.Store.
func (s *Store) GetByKey(ctx context.Context, key string) (delivery.Record, error) {
	if err := ctx.Err(); err != nil {
		return delivery.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return delivery.Record{}, delivery.ErrNotFound
	}

	return clone(s.byID[id]), nil
}

// ClaimDue implements delivery.Store.
func (s *Store) ClaimDue(ctx context.Context, opts delivery.ClaimOptions) ([]delivery.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]delivery.Record, 0)
	for _, record := range s.byID {
		if record.Due(opts.Now) {
			due = append(due, record)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}

		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > opts.Limit {
		due = due[:opts.Limit]
	}

	lease := opts.LeaseUntil
	for i := range due {
		due[i].ClaimedUntil = &lease
		due[i].Version++
		s.byID[due[i].ID] = clone(due[i])
		due[i] = clone(due[i])
	}

	return due, nil
}

// Update implements delivery.Store.
func (s *Store) Update(ctx context.Context, record *delivery.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[record.ID]
	if !ok {
		return delivery.ErrNotFound
	}
	if current.Version != record.Version {
		return delivery.ErrStaleRecord
	}

	next := current
	next.Status = record.Status
	next.Attempts = record.Attempts
	next.NextAttemptAt = record.NextAttemptAt
	next.RateLimitedAt = record.RateLimitedAt
	next.LastError = record.LastError
	next.ProviderResponse = record.ProviderResponse
	next.ClaimedUntil = record.ClaimedUntil
	next.SentAt = record.SentAt
	next.UpdatedAt = record.UpdatedAt
	next.Version++
	s.byID[record.ID] = clone(next)
	record.Version = next.Version

	return nil
}

// ListQueued implements delivery.Store.
func (s *Store) ListQueued(ctx context.Context, integrationID string, limit int) ([]delivery.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.Record, 0)
	for _, record := range s.byID {
		if record.Status == delivery.StatusQueued && record.IntegrationID == integrationID {
			out = append(out, clone(record))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// CreateRun implements delivery.RunStore.
func (s *Store) CreateRun(ctx context.Context, run delivery.ReconciliationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run

	return nil
}

// FinishRun implements delivery.RunStore.
func (s *Store) FinishRun(ctx context.Context, run delivery.ReconciliationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return delivery.ErrNotFound
	}
	s.runs[run.ID] = run

	return nil
}

// Run returns a stored reconciliation run.
func (s *Store) Run(id uuid.UUID) (delivery.ReconciliationRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]

	return run, ok
}

// Records returns a snapshot of all records, oldest first.
func (s *Store) Records() []delivery.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.Record, 0, len(s.byID))
	for _, record := range s.byID {
		out = append(out, clone(record))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Put stores a record as-is, replacing any record with the same ID. It is meant for
// seeding fixtures and does not enforce key uniqueness against other IDs.
func (s *Store) Put(record delivery.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[record.ID] = clone(record)
	s.byKey[record.IdempotencyKey] = record.ID
}

// TryLock implements delivery.Locker within this process.
func (s *Store) TryLock(_ context.Context, name string) (delivery.Unlock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[name]; held {
		return nil, false, nil
	}
	s.locks[name] = struct{}{}

	var once sync.Once
	unlock := func(context.Context) error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, name)
			s.mu.Unlock()
		})

		return nil
	}

	return unlock, true, nil
}

func clone(record delivery.Record) delivery.Record {
	out := record
	out.Payload = append([]byte(nil), record.Payload...)
	if record.ProviderResponse != nil {
		out.ProviderResponse = append([]byte(nil), record.ProviderResponse...)
	}
	if record.RateLimitedAt != nil {
		t := *record.RateLimitedAt
		out.RateLimitedAt = &t
	}
	if record.LastError != nil {
		e := *record.LastError
		out.LastError = &e
	}
	if record.ClaimedUntil != nil {
		t := *record.ClaimedUntil
		out.ClaimedUntil = &t
	}
	if record.SentAt != nil {
		t := *record.SentAt
		out.SentAt = &t
	}

	return out
}
