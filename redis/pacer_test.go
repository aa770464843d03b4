package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastForward advances miniredis time instead of sleeping.
func fastForward(mr *miniredis.Miniredis, slept *[]time.Duration) func(context.Context, time.Duration) error {
	var mu sync.Mutex

	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		*slept = append(*slept, d)
		mu.Unlock()
		mr.FastForward(d)

		return nil
	}
}

func TestPacerSpacesCalls(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var slept []time.Duration
	pacer, err := NewPacer(client, WithSleep(fastForward(mr, &slept)))
	require.NoError(t, err)
	ctx := context.Background()

	waited, err := pacer.Wait(ctx, "slack", time.Second)
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.True(t, mr.Exists("delivery:pace:slack"))

	waited, err = pacer.Wait(ctx, "slack", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, waited)
	require.Len(t, slept, 1)

	// Other integrations have their own slot.
	waited, err = pacer.Wait(ctx, "discord", time.Second)
	require.NoError(t, err)
	assert.Zero(t, waited)
}

func TestPacerSlotExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var slept []time.Duration
	pacer, err := NewPacer(client, WithKeyPrefix("test:"), WithSleep(fastForward(mr, &slept)))
	require.NoError(t, err)

	_, err = pacer.Wait(context.Background(), "slack", 500*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	waited, err := pacer.Wait(context.Background(), "slack", 500*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.Empty(t, slept)
	assert.True(t, mr.Exists("test:slack"))
}

func TestPacerCanceledWhileWaiting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pacer, err := NewPacer(client, WithSleep(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	require.NoError(t, err)

	_, err = pacer.Wait(context.Background(), "slack", time.Minute)
	require.NoError(t, err)
	_, err = pacer.Wait(context.Background(), "slack", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPacerCommandSequence(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pacer, err := NewPacer(client, WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	mock.ExpectSetNX("delivery:pace:hubspot", "1", 100*time.Millisecond).SetVal(false)
	mock.ExpectPTTL("delivery:pace:hubspot").SetVal(40 * time.Millisecond)
	mock.ExpectSetNX("delivery:pace:hubspot", "1", 100*time.Millisecond).SetVal(false)
	mock.ExpectPTTL("delivery:pace:hubspot").SetVal(-2)
	mock.ExpectSetNX("delivery:pace:hubspot", "1", 100*time.Millisecond).SetVal(true)

	waited, err := pacer.Wait(context.Background(), "hubspot", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond+minRetry, waited)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPacerRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pacer, err := NewPacer(client)
	require.NoError(t, err)

	mock.ExpectSetNX("delivery:pace:slack", "1", time.Second).SetErr(errors.New("connection refused"))

	_, err = pacer.Wait(context.Background(), "slack", time.Second)
	require.Error(t, err)

	_, err = NewPacer(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewLocker(client, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "delivery:dispatch")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "delivery:dispatch")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))

	unlock, ok, err = locker.TryLock(ctx, "delivery:dispatch")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, unlock(ctx))

	_, err = NewLocker(nil, 0)
	require.ErrorIs(t, err, ErrClientRequired)
}
