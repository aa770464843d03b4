package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
)

const (
	defaultKeyPrefix = "delivery:pace:"
	// minRetry bounds the wait when a reservation vanished between SET and PTTL.
	minRetry = time.Millisecond
)

// ErrClientRequired is returned when a nil client is provided.
var ErrClientRequired = errors.New("delivery redis: client is required")

// Pacer implements delivery.Pacer on Redis.
type Pacer struct {
	client goredis.Cmdable
	prefix string
	sleep  delivery.SleepFunc
}

var _ delivery.Pacer = (*Pacer)(nil)

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithKeyPrefix sets the reservation key prefix.
func WithKeyPrefix(prefix string) PacerOption {
	return func(p *Pacer) {
		p.prefix = prefix
	}
}

// WithSleep replaces the sleep used between reservation attempts.
func WithSleep(sleep delivery.SleepFunc) PacerOption {
	return func(p *Pacer) {
		p.sleep = sleep
	}
}

// NewPacer returns a Pacer using client.
func NewPacer(client goredis.Cmdable, opts ...PacerOption) (*Pacer, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	p := &Pacer{client: client, prefix: defaultKeyPrefix, sleep: delivery.Sleep}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Wait blocks until this caller owns the next slot for key. The slot key lives for
// interval, so the following caller can start no earlier than interval after this one.
func (p *Pacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, ctx.Err()
	}

	slot := p.prefix + key
	var waited time.Duration
	for {
		ok, err := p.client.SetNX(ctx, slot, "1", interval).Result()
		if err != nil {
			return waited, fmt.Errorf("delivery redis: reserve slot failed: %w", err)
		}
		if ok {
			return waited, nil
		}

		ttl, err := p.client.PTTL(ctx, slot).Result()
		if err != nil {
			return waited, fmt.Errorf("delivery redis: slot ttl failed: %w", err)
		}
		if ttl <= 0 {
			ttl = minRetry
		}
		if err := p.sleep(ctx, ttl); err != nil {
			return waited, err
		}
		waited += ttl
	}
}
