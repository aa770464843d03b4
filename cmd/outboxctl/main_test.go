package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/memory"
)

func execute(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	t.Setenv("DELIVERY_DATABASE_DRIVER", "memory")
	dir := t.TempDir()

	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "delivery.json"),
		"--env-file", filepath.Join(dir, ".env"),
	}, args...))

	err := cmd.ExecuteContext(context.Background())
	if out.Len() == 0 {
		return nil, err
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())

	return decoded, err
}

func TestEnqueueCommand(t *testing.T) {
	record, err := execute(t, "enqueue", "--integration", "slack", "--operation", "post_message", "--resource", "X", "--payload", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "queued", record["status"])
	assert.EqualValues(t, 0, record["attempts"])
	assert.Len(t, record["idempotency_key"], 64)

	_, err = execute(t, "enqueue", "--integration", "slack", "--resource", "X", "--payload", `{}`)
	require.ErrorIs(t, err, delivery.ErrInvalidRequest)
}

func TestDispatchCommandEmptyQueue(t *testing.T) {
	summary, err := execute(t, "dispatch", "--batch-size", "10")
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary["processed"])
}

func TestReconcileCommand(t *testing.T) {
	run, err := execute(t, "reconcile", "--integration", "slack", "--hard-timeout", "0s")
	require.NoError(t, err)
	assert.Equal(t, "success", run["status"])
	assert.Equal(t, true, run["timed_out"])

	_, err = execute(t, "reconcile", "--integration", "myspace")
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestRecordCommandsValidateID(t *testing.T) {
	_, err := execute(t, "get", "nope")
	require.ErrorIs(t, err, delivery.ErrInvalidRequest)

	_, err = execute(t, "revive", "0195501a-7c00-7000-8000-000000000001")
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestStorageCommandsRequireSQL(t *testing.T) {
	_, err := execute(t, "migrate", "up")
	require.Error(t, err)

	_, err = execute(t, "prune-runs")
	require.Error(t, err)
}

func TestFirstDead(t *testing.T) {
	retry := func(context.Context, delivery.Record, error) delivery.FailureAction { return delivery.FailureRetry }
	dead := func(_ context.Context, _ delivery.Record, err error) delivery.FailureAction {
		if errors.Is(err, delivery.ErrInvalidRequest) {
			return delivery.FailureDead
		}

		return delivery.FailureRetry
	}
	classify := firstDead([]delivery.FailureClassifier{retry, dead})

	assert.Equal(t, delivery.FailureDead, classify(context.Background(), delivery.Record{}, delivery.ErrInvalidRequest))
	assert.Equal(t, delivery.FailureRetry, classify(context.Background(), delivery.Record{}, errors.New("boom")))
}

func TestLockedPruneSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := memory.NewStore()
	calls := 0
	prune := func(context.Context) (int64, error) {
		calls++

		return 3, nil
	}

	deleted, err := lockedPrune(ctx, locker, pruneLockPrefix+"reconciliation_runs", prune)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	unlock, ok, err := locker.TryLock(ctx, pruneLockPrefix+"reconciliation_runs")
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err = lockedPrune(ctx, locker, pruneLockPrefix+"reconciliation_runs", prune)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, 1, calls)

	require.NoError(t, unlock(ctx))
	_, err = lockedPrune(ctx, locker, pruneLockPrefix+"reconciliation_runs", prune)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
