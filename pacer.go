package delivery

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a minimum spacing between call starts per key. It never allows bursts.
type Pacer interface {
	// Wait blocks until the next slot for key is available, reserves it and returns the time waited.
	Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error)
}

// LocalPacer paces calls within a single process.
type LocalPacer struct {
	clock Clock
	sleep SleepFunc

	mu   sync.Mutex
	next map[string]time.Time
}

// NewLocalPacer returns an in-process pacer. Nil arguments use the system clock and Sleep.
func NewLocalPacer(clock Clock, sleep SleepFunc) *LocalPacer {
	if clock == nil {
		clock = SystemClock{}
	}
	if sleep == nil {
		sleep = Sleep
	}

	return &LocalPacer{
		clock: clock,
		sleep: sleep,
		next:  make(map[string]time.Time),
	}
}

// Wait implements Pacer.
func (p *LocalPacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if interval <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	now := p.clock.Now()
	slot := now
	if next, ok := p.next[key]; ok && next.After(now) {
		slot = next
	}
	p.next[key] = slot.Add(interval)
	p.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return 0, nil
	}

	return delay, p.sleep(ctx, delay)
}
