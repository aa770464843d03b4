package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/velmie/delivery"
)

// Locker implements delivery.Locker with MySQL named locks (GET_LOCK). A lock lives on a
// dedicated connection and is released when the connection closes, so a crashed worker
// never leaves it held.
type Locker struct {
	db     *sql.DB
	logger delivery.Logger
}

var _ delivery.Locker = (*Locker)(nil)

// NewLocker returns a Locker on db.
func NewLocker(db *sql.DB, logger delivery.Logger) (*Locker, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if logger == nil {
		logger = delivery.NopLogger{}
	}

	return &Locker{db: db, logger: logger}, nil
}

// TryLock implements delivery.Locker without waiting.
func (l *Locker) TryLock(ctx context.Context, name string) (delivery.Unlock, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("delivery mysql: lock conn failed: %w", err)
	}

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&got); err != nil {
		_ = conn.Close()

		return nil, false, fmt.Errorf("delivery mysql: acquire lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		_ = conn.Close()

		return nil, false, nil
	}

	var once sync.Once
	unlock := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			defer conn.Close()

			var released sql.NullInt64
			if scanErr := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released); scanErr != nil {
				l.logger.Warn("delivery mysql release lock failed", "lock", name, "err", scanErr)
				err = fmt.Errorf("delivery mysql: release lock failed: %w", scanErr)
			}
		})

		return err
	}

	return unlock, true, nil
}
