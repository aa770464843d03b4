package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/velmie/delivery"
)

// Locker implements delivery.Locker with session advisory locks keyed by hashtext(name).
// The lock is held by a dedicated connection and dies with it.
type Locker struct {
	db *sql.DB
}

var _ delivery.Locker = (*Locker)(nil)

// NewLocker returns a Locker on db.
func NewLocker(db *sql.DB) (*Locker, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	return &Locker{db: db}, nil
}

// TryLock implements delivery.Locker.
func (l *Locker) TryLock(ctx context.Context, name string) (delivery.Unlock, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("delivery postgres: lock conn failed: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&locked); err != nil {
		_ = conn.Close()

		return nil, false, fmt.Errorf("delivery postgres: acquire lock failed: %w", err)
	}
	if !locked {
		_ = conn.Close()

		return nil, false, nil
	}

	var once sync.Once
	unlock := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			defer conn.Close()

			var released bool
			if scanErr := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name).Scan(&released); scanErr != nil {
				err = fmt.Errorf("delivery postgres: release lock failed: %w", scanErr)
			}
		})

		return err
	}

	return unlock, true, nil
}
