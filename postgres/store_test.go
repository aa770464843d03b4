package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
)

var (
	now        = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recordCols = []string{
		"id", "integration_id", "operation", "stable_resource_id", "payload", "idempotency_key", "status",
		"attempts", "next_attempt_at", "rate_limited_at", "last_error", "provider_response", "claimed_until",
		"sent_at", "created_at", "updated_at", "version",
	}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	store, err := NewStore(db)
	require.NoError(t, err)

	return store, mock
}

func sampleRecord(id string) delivery.Record {
	return delivery.Record{
		ID:               uuid.MustParse(id),
		IntegrationID:    "hubspot",
		Operation:        "upsert_contact",
		StableResourceID: "contact-1",
		Payload:          []byte(`{"email":"a@example.com"}`),
		IdempotencyKey:   "9a1f0c6e3b3f0bd5a3c8e1e0e6f4ad1c5b9b1e8f7d6c5b4a39281706f5e4d3c2",
		Status:           delivery.StatusQueued,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func addRecord(rows *sqlmock.Rows, r delivery.Record) *sqlmock.Rows {
	return rows.AddRow(
		r.ID.String(), r.IntegrationID, r.Operation, r.StableResourceID, []byte(r.Payload), r.IdempotencyKey,
		string(r.Status), r.Attempts, r.NextAttemptAt, nil, nil, nil, timeValue(r.ClaimedUntil), nil, r.CreatedAt, r.UpdatedAt, r.Version,
	)
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	record := sampleRecord("0195501a-7c00-7000-8000-000000000001")

	mock.ExpectExec(insertRecord).
		WithArgs(
			record.ID, "hubspot", "upsert_contact", "contact-1", `{"email":"a@example.com"}`, record.IdempotencyKey,
			"queued", 0, now, nil, nil, nil, nil, nil, now, now, int64(0),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertRecord).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	require.NoError(t, store.Create(context.Background(), record))
	require.ErrorIs(t, store.Create(context.Background(), record), delivery.ErrDuplicateKey)
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.MustParse("0195501a-7c00-7000-8000-000000000001")

	mock.ExpectQuery(selectByID).WithArgs(id).WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), id)
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestClaimDueSortsReturnedRows(t *testing.T) {
	store, mock := newMockStore(t)
	lease := now.Add(15 * time.Minute)

	late := sampleRecord("0195501a-7c00-7000-8000-000000000001")
	late.NextAttemptAt = now.Add(-time.Second)
	late.ClaimedUntil = &lease
	late.Version = 1
	early := sampleRecord("0195501a-7c00-7000-8000-000000000002")
	early.NextAttemptAt = now.Add(-time.Hour)
	early.ClaimedUntil = &lease
	early.Version = 1

	mock.ExpectQuery(claimDue).
		WithArgs("queued", now, 50, lease).
		WillReturnRows(addRecord(addRecord(sqlmock.NewRows(recordCols), late), early))

	records, err := store.ClaimDue(context.Background(), delivery.ClaimOptions{Now: now, Limit: 50, LeaseUntil: lease})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, early.ID, records[0].ID)
	assert.Equal(t, late.ID, records[1].ID)
	require.NotNil(t, records[0].ClaimedUntil)
	assert.True(t, records[0].ClaimedUntil.Equal(lease))
}

func TestUpdateCompareAndSwap(t *testing.T) {
	store, mock := newMockStore(t)
	record := sampleRecord("0195501a-7c00-7000-8000-000000000001")
	record.Attempts = 1
	record.Version = 4
	msg := "boom"
	record.LastError = &msg

	mock.ExpectExec(updateRecord).
		WithArgs("queued", 1, now, nil, "boom", nil, nil, nil, now, record.ID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateRecord).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(recordExists).WithArgs(record.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(updateRecord).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(recordExists).WithArgs(record.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	require.NoError(t, store.Update(context.Background(), &record))
	assert.Equal(t, int64(5), record.Version)

	require.ErrorIs(t, store.Update(context.Background(), &record), delivery.ErrStaleRecord)
	require.ErrorIs(t, store.Update(context.Background(), &record), delivery.ErrNotFound)
}

func TestListQueued(t *testing.T) {
	store, mock := newMockStore(t)
	record := sampleRecord("0195501a-7c00-7000-8000-000000000001")

	mock.ExpectQuery(listQueued).
		WithArgs("hubspot", "queued", 3000).
		WillReturnRows(addRecord(sqlmock.NewRows(recordCols), record))

	records, err := store.ListQueued(context.Background(), "hubspot", 3000)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
	assert.JSONEq(t, `{"email":"a@example.com"}`, string(records[0].Payload))

	_, err = store.ListQueued(context.Background(), "hubspot", 0)
	require.ErrorIs(t, err, delivery.ErrInvalidBatchSize)
}

func TestRuns(t *testing.T) {
	store, mock := newMockStore(t)
	run := delivery.ReconciliationRun{
		ID:            uuid.MustParse("0195501a-7c00-7000-8000-0000000000aa"),
		IntegrationID: "hubspot",
		Status:        delivery.RunRunning,
		StartedAt:     now,
	}

	mock.ExpectExec(insertRun).
		WithArgs(run.ID, "hubspot", "running", 0, 0, 0, 0, 0, false, "", now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(finishRun).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(pruneRuns).WithArgs("running", now, 100).WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.ErrorIs(t, store.FinishRun(context.Background(), run), delivery.ErrNotFound)

	deleted, err := store.PruneRuns(context.Background(), now, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = store.PruneRuns(context.Background(), time.Time{}, 100)
	require.ErrorIs(t, err, delivery.ErrInvalidRequest)
}

func TestLocker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock(hashtext($1))").WithArgs("delivery:dispatch").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock(hashtext($1))").WithArgs("delivery:dispatch").
		WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_try_advisory_lock(hashtext($1))").WithArgs("delivery:dispatch").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))

	locker, err := NewLocker(db)
	require.NoError(t, err)

	unlock, ok, err := locker.TryLock(context.Background(), "delivery:dispatch")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, unlock(context.Background()))

	_, ok, err = locker.TryLock(context.Background(), "delivery:dispatch")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsEmbedded(t *testing.T) {
	migrations, err := Migrations().FindMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "0001_deliveries.sql", migrations[0].Id)
	assert.NotEmpty(t, migrations[0].Up)
	assert.NotEmpty(t, migrations[0].Down)

	_, err = Migrate(nil, 0)
	require.ErrorIs(t, err, ErrDBRequired)
}

func TestWithTxEnqueuesInCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	store, err := NewStore(db)
	require.NoError(t, err)
	record := sampleRecord("0195501a-7c00-7000-8000-000000000001")

	mock.ExpectBegin()
	mock.ExpectExec(insertRecord).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(tx).Create(context.Background(), record))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
