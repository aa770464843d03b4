package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
)

const defaultLockExpiry = 30 * time.Minute

// Locker implements delivery.Locker with redsync. The expiry bounds how long a crashed
// holder blocks others, so it should exceed the longest dispatch or sweep.
type Locker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

var _ delivery.Locker = (*Locker)(nil)

// NewLocker returns a Locker on client. Zero expiry uses 30 minutes.
func NewLocker(client goredis.UniversalClient, expiry time.Duration) (*Locker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if expiry <= 0 {
		expiry = defaultLockExpiry
	}

	return &Locker{rs: redsync.New(redsyncgoredis.NewPool(client)), expiry: expiry}, nil
}

// TryLock implements delivery.Locker with a single attempt.
func (l *Locker) TryLock(ctx context.Context, name string) (delivery.Unlock, bool, error) {
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("delivery redis: acquire lock failed: %w", err)
	}

	unlock := func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			return fmt.Errorf("delivery redis: release lock failed: %w", err)
		}

		return nil
	}

	return unlock, true, nil
}
