package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/velmie/delivery"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("delivery postgres: db is required")
)

const recordColumns = `id, integration_id, operation, stable_resource_id, payload, idempotency_key, status,
	attempts, next_attempt_at, rate_limited_at, last_error, provider_response, claimed_until, sent_at,
	created_at, updated_at, version`

var (
	insertRecord = `INSERT INTO deliveries (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	selectByID  = `SELECT ` + recordColumns + ` FROM deliveries WHERE id = $1`
	selectByKey = `SELECT ` + recordColumns + ` FROM deliveries WHERE idempotency_key = $1`

	claimDue = `WITH due AS (
		SELECT id FROM deliveries
		WHERE status = $1 AND next_attempt_at <= $2 AND (claimed_until IS NULL OR claimed_until <= $2)
		ORDER BY next_attempt_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE deliveries AS d SET claimed_until = $4, version = d.version + 1
	FROM due WHERE d.id = due.id
	RETURNING ` + prefixed("d.")

	updateRecord = `UPDATE deliveries SET status = $1, attempts = $2, next_attempt_at = $3, rate_limited_at = $4,
	last_error = $5, provider_response = $6, claimed_until = $7, sent_at = $8, updated_at = $9,
	version = version + 1
	WHERE id = $10 AND version = $11`

	recordExists = `SELECT EXISTS (SELECT 1 FROM deliveries WHERE id = $1)`

	listQueued = `SELECT ` + recordColumns + ` FROM deliveries
	WHERE integration_id = $1 AND status = $2 ORDER BY created_at, id LIMIT $3`

	insertRun = `INSERT INTO reconciliation_runs (id, integration_id, status, checked, drift_fixed, api_calls,
	rate_limited_429, failures, timed_out, notes, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	finishRun = `UPDATE reconciliation_runs SET status = $1, checked = $2, drift_fixed = $3, api_calls = $4,
	rate_limited_429 = $5, failures = $6, timed_out = $7, notes = $8, finished_at = $9
	WHERE id = $10`

	pruneRuns = `DELETE FROM reconciliation_runs WHERE id IN (
		SELECT id FROM reconciliation_runs
		WHERE status <> $1 AND finished_at IS NOT NULL AND finished_at <= $2
		ORDER BY finished_at LIMIT $3
	)`
)

func prefixed(prefix string) string {
	return prefix + "id, " + prefix + "integration_id, " + prefix + "operation, " + prefix + "stable_resource_id, " +
		prefix + "payload, " + prefix + "idempotency_key, " + prefix + "status, " + prefix + "attempts, " +
		prefix + "next_attempt_at, " + prefix + "rate_limited_at, " + prefix + "last_error, " +
		prefix + "provider_response, " + prefix + "claimed_until, " + prefix + "sent_at, " +
		prefix + "created_at, " + prefix + "updated_at, " + prefix + "version"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements delivery.Store and delivery.RunStore on PostgreSQL.
type Store struct {
	q querier
}

var (
	_ delivery.Store    = (*Store)(nil)
	_ delivery.RunStore = (*Store)(nil)
)

// NewStore returns a store on db. Run Migrate first.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	return &Store{q: db}, nil
}

// WithTx returns a store bound to tx for enqueueing inside the caller's transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

// Create implements delivery.Store.
func (s *Store) Create(ctx context.Context, record delivery.Record) error {
	_, err := s.q.ExecContext(ctx, insertRecord,
		record.ID,
		record.IntegrationID,
		record.Operation,
		record.StableResourceID,
		string(record.Payload),
		record.IdempotencyKey,
		string(record.Status),
		record.Attempts,
		record.NextAttemptAt.UTC(),
		nullTime(record.RateLimitedAt),
		nullString(record.LastError),
		nullJSON(record.ProviderResponse),
		nullTime(record.ClaimedUntil),
		nullTime(record.SentAt),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
		record.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", delivery.ErrDuplicateKey, record.IdempotencyKey)
		}

		return fmt.Errorf("delivery postgres: insert failed: %w", err)
	}

	return nil
}

// Get implements delivery.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (delivery.Record, error) {
	record, err := scanRecord(s.q.QueryRowContext(ctx, selectByID, id))
	if err != nil {
		return delivery.Record{}, notFound(err, "select by id")
	}

	return record, nil
}

// GetByKey implements delivery.Store.
func (s *Store) GetByKey(ctx context.Context, key string) (delivery.Record, error) {
	record, err := scanRecord(s.q.QueryRowContext(ctx, selectByKey, key))
	if err != nil {
		return delivery.Record{}, notFound(err, "select by key")
	}

	return record, nil
}

// ClaimDue implements delivery.Store in one statement. RETURNING order is unspecified, so
// the claimed records are sorted afterwards.
func (s *Store) ClaimDue(ctx context.Context, opts delivery.ClaimOptions) ([]delivery.Record, error) {
	if opts.Limit <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}

	rows, err := s.q.QueryContext(ctx, claimDue, string(delivery.StatusQueued), opts.Now.UTC(), opts.Limit, opts.LeaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("delivery postgres: claim failed: %w", err)
	}
	records, err := scanRecords(rows, opts.Limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].NextAttemptAt.Equal(records[j].NextAttemptAt) {
			return records[i].NextAttemptAt.Before(records[j].NextAttemptAt)
		}

		return records[i].ID.String() < records[j].ID.String()
	})

	return records, nil
}

// Update implements delivery.Store as a compare-and-swap on version.
func (s *Store) Update(ctx context.Context, record *delivery.Record) error {
	res, err := s.q.ExecContext(ctx, updateRecord,
		string(record.Status),
		record.Attempts,
		record.NextAttemptAt.UTC(),
		nullTime(record.RateLimitedAt),
		nullString(record.LastError),
		nullJSON(record.ProviderResponse),
		nullTime(record.ClaimedUntil),
		nullTime(record.SentAt),
		record.UpdatedAt.UTC(),
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("delivery postgres: update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery postgres: update rows failed: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.q.QueryRowContext(ctx, recordExists, record.ID).Scan(&exists); err != nil {
			return fmt.Errorf("delivery postgres: exists check failed: %w", err)
		}
		if !exists {
			return delivery.ErrNotFound
		}

		return delivery.ErrStaleRecord
	}
	record.Version++

	return nil
}

// ListQueued implements delivery.Store.
func (s *Store) ListQueued(ctx context.Context, integrationID string, limit int) ([]delivery.Record, error) {
	if limit <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}
	rows, err := s.q.QueryContext(ctx, listQueued, integrationID, string(delivery.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("delivery postgres: list queued failed: %w", err)
	}

	return scanRecords(rows, limit)
}

// CreateRun implements delivery.RunStore.
func (s *Store) CreateRun(ctx context.Context, run delivery.ReconciliationRun) error {
	_, err := s.q.ExecContext(ctx, insertRun,
		run.ID,
		run.IntegrationID,
		string(run.Status),
		run.Checked,
		run.DriftFixed,
		run.APICalls,
		run.RateLimited429,
		run.Failures,
		run.TimedOut,
		run.Notes,
		run.StartedAt.UTC(),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("delivery postgres: insert run failed: %w", err)
	}

	return nil
}

// FinishRun implements delivery.RunStore.
func (s *Store) FinishRun(ctx context.Context, run delivery.ReconciliationRun) error {
	res, err := s.q.ExecContext(ctx, finishRun,
		string(run.Status),
		run.Checked,
		run.DriftFixed,
		run.APICalls,
		run.RateLimited429,
		run.Failures,
		run.TimedOut,
		run.Notes,
		nullTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("delivery postgres: finish run failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery postgres: finish run rows failed: %w", err)
	}
	if affected == 0 {
		return delivery.ErrNotFound
	}

	return nil
}

// PruneRuns deletes up to limit finished runs that ended at or before before.
func (s *Store) PruneRuns(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() || limit <= 0 {
		return 0, fmt.Errorf("%w: prune needs a cutoff and a positive limit", delivery.ErrInvalidRequest)
	}

	res, err := s.q.ExecContext(ctx, pruneRuns, string(delivery.RunRunning), before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delivery postgres: prune runs failed: %w", err)
	}

	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows, capacity int) ([]delivery.Record, error) {
	defer rows.Close()

	records := make([]delivery.Record, 0, capacity)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("delivery postgres: scan failed: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery postgres: rows failed: %w", err)
	}

	return records, nil
}

func scanRecord(row rowScanner) (delivery.Record, error) {
	var (
		record           delivery.Record
		status           string
		payload          []byte
		providerResponse []byte
		rateLimitedAt    sql.NullTime
		lastError        sql.NullString
		claimedUntil     sql.NullTime
		sentAt           sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.IntegrationID,
		&record.Operation,
		&record.StableResourceID,
		&payload,
		&record.IdempotencyKey,
		&status,
		&record.Attempts,
		&record.NextAttemptAt,
		&rateLimitedAt,
		&lastError,
		&providerResponse,
		&claimedUntil,
		&sentAt,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.Version,
	); err != nil {
		return delivery.Record{}, err
	}

	record.Status = delivery.Status(status)
	record.Payload = payload
	if len(providerResponse) > 0 {
		record.ProviderResponse = providerResponse
	}
	record.NextAttemptAt = record.NextAttemptAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	record.RateLimitedAt = timeFromNull(rateLimitedAt)
	if lastError.Valid {
		record.LastError = &lastError.String
	}
	record.ClaimedUntil = timeFromNull(claimedUntil)
	record.SentAt = timeFromNull(sentAt)

	return record, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.ErrNotFound
	}

	return fmt.Errorf("delivery postgres: %s failed: %w", op, err)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return string(b)
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()

	return &v
}
