package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

const errDuplicateEntry = 1062

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements delivery.Store and delivery.RunStore on MySQL.
type Store struct {
	db      *sql.DB
	tx      *sql.Tx
	q       querier
	cfg     Config
	queries queries
	table   string
	runs    string
}

var (
	_ delivery.Store    = (*Store)(nil)
	_ delivery.RunStore = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
// The DSN must enable parseTime.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	runs, err := sanitizeTableName(cfg.RunsTable)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		q:       db,
		cfg:     cfg,
		queries: newQueries(table, runs),
		table:   table,
		runs:    runs,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// WithTx returns a store bound to tx, so a delivery can be enqueued atomically with the
// caller's own writes. The caller commits or rolls back.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	bound := *s
	bound.tx = tx
	bound.q = tx

	return &bound
}

// Create implements delivery.Store.
func (s *Store) Create(ctx context.Context, record delivery.Record) error {
	_, err := s.q.ExecContext(
		ctx,
		s.queries.insert,
		record.ID[:],
		record.IntegrationID,
		record.Operation,
		record.StableResourceID,
		[]byte(record.Payload),
		record.IdempotencyKey,
		string(record.Status),
		record.Attempts,
		record.NextAttemptAt.UTC(),
		nullTime(record.RateLimitedAt),
		nullString(record.LastError),
		nullBytes(record.ProviderResponse),
		nullTime(record.ClaimedUntil),
		nullTime(record.SentAt),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
		record.Version,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", delivery.ErrDuplicateKey, record.IdempotencyKey)
		}

		return fmt.Errorf("delivery mysql: insert failed: %w", err)
	}

	return nil
}

// Get implements delivery.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (delivery.Record, error) {
	record, err := scanRecord(s.q.QueryRowContext(ctx, s.queries.selectByID, id[:]))
	if err != nil {
		return delivery.Record{}, notFound(err, "select by id")
	}

	return record, nil
}

// GetByKey implements delivery.Store.
func (s *Store) GetByKey(ctx context.Context, key string) (delivery.Record, error) {
	record, err := scanRecord(s.q.QueryRowContext(ctx, s.queries.selectByKey, key))
	if err != nil {
		return delivery.Record{}, notFound(err, "select by key")
	}

	return record, nil
}

// ClaimDue locks due rows with SKIP LOCKED, writes their lease and commits, so
// concurrent dispatchers never receive the same record.
func (s *Store) ClaimDue(ctx context.Context, opts delivery.ClaimOptions) ([]delivery.Record, error) {
	if opts.Limit <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}
	if s.tx != nil {
		return s.claim(ctx, s.tx, opts)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: begin tx failed: %w", err)
	}

	records, err := s.claim(ctx, tx, opts)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}
	if len(records) == 0 {
		if err := tx.Rollback(); err != nil {
			s.cfg.Logger.Warn("delivery mysql rollback failed", "err", err)
		}

		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delivery mysql: commit claim failed: %w", err)
	}

	return records, nil
}

func (s *Store) claim(ctx context.Context, tx *sql.Tx, opts delivery.ClaimOptions) ([]delivery.Record, error) {
	now := opts.Now.UTC()
	rows, err := tx.QueryContext(ctx, s.queries.selectDue, string(delivery.StatusQueued), now, now, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: select due failed: %w", err)
	}
	records, err := scanRecords(rows, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	lease := opts.LeaseUntil.UTC()
	args := make([]any, 0, len(records)+1)
	args = append(args, lease)
	for i := range records {
		args = append(args, records[i].ID[:])
		records[i].ClaimedUntil = &lease
		records[i].Version++
	}
	if _, err := tx.ExecContext(ctx, buildClaimQuery(s.table, len(records)), args...); err != nil {
		return nil, fmt.Errorf("delivery mysql: claim update failed: %w", err)
	}

	return records, nil
}

// Update implements delivery.Store as a compare-and-swap on version.
func (s *Store) Update(ctx context.Context, record *delivery.Record) error {
	res, err := s.q.ExecContext(
		ctx,
		s.queries.update,
		string(record.Status),
		record.Attempts,
		record.NextAttemptAt.UTC(),
		nullTime(record.RateLimitedAt),
		nullString(record.LastError),
		nullBytes(record.ProviderResponse),
		nullTime(record.ClaimedUntil),
		nullTime(record.SentAt),
		record.UpdatedAt.UTC(),
		record.ID[:],
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("delivery mysql: update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery mysql: update rows failed: %w", err)
	}
	if affected == 0 {
		var count int
		if err := s.q.QueryRowContext(ctx, s.queries.exists, record.ID[:]).Scan(&count); err != nil {
			return fmt.Errorf("delivery mysql: exists check failed: %w", err)
		}
		if count == 0 {
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
	rows, err := s.q.QueryContext(ctx, s.queries.listQueued, integrationID, string(delivery.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: list queued failed: %w", err)
	}

	return scanRecords(rows, limit)
}

// CreateRun implements delivery.RunStore.
func (s *Store) CreateRun(ctx context.Context, run delivery.ReconciliationRun) error {
	_, err := s.q.ExecContext(
		ctx,
		s.queries.insertRun,
		run.ID[:],
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
		return fmt.Errorf("delivery mysql: insert run failed: %w", err)
	}

	return nil
}

// FinishRun implements delivery.RunStore.
func (s *Store) FinishRun(ctx context.Context, run delivery.ReconciliationRun) error {
	res, err := s.q.ExecContext(
		ctx,
		s.queries.finishRun,
		string(run.Status),
		run.Checked,
		run.DriftFixed,
		run.APICalls,
		run.RateLimited429,
		run.Failures,
		run.TimedOut,
		run.Notes,
		nullTime(run.FinishedAt),
		run.ID[:],
	)
	if err != nil {
		return fmt.Errorf("delivery mysql: finish run failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delivery mysql: finish run rows failed: %w", err)
	}
	if affected == 0 {
		return delivery.ErrNotFound
	}

	return nil
}

// GetRun returns a reconciliation run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (delivery.ReconciliationRun, error) {
	var (
		run        delivery.ReconciliationRun
		status     string
		notes      sql.NullString
		finishedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, s.queries.selectRun, id[:]).Scan(
		&run.ID,
		&run.IntegrationID,
		&status,
		&run.Checked,
		&run.DriftFixed,
		&run.APICalls,
		&run.RateLimited429,
		&run.Failures,
		&run.TimedOut,
		&notes,
		&run.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return delivery.ReconciliationRun{}, notFound(err, "select run")
	}
	run.Status = delivery.RunStatus(status)
	run.Notes = notes.String
	run.FinishedAt = timeFromNull(finishedAt)

	return run, nil
}

func scanRecords(rows *sql.Rows, capacity int) ([]delivery.Record, error) {
	defer rows.Close()

	records := make([]delivery.Record, 0, capacity)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("delivery mysql: scan failed: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery mysql: rows failed: %w", err)
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
	err := row.Scan(
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
	)
	if err != nil {
		return delivery.Record{}, err
	}

	record.Status = delivery.Status(status)
	record.Payload = payload
	if len(providerResponse) > 0 {
		record.ProviderResponse = providerResponse
	}
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

	return fmt.Errorf("delivery mysql: %s failed: %w", op, err)
}

func isDuplicate(err error) bool {
	var myErr *mysqldrv.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
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

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()

	return &v
}
