package delivery_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)

	return nil
}

type call struct {
	at  time.Time
	req delivery.Request
}

type recordingAdapter struct {
	mu    sync.Mutex
	clock delivery.Clock
	calls []call
	fn    func(req delivery.Request) (delivery.Response, error)
}

func (a *recordingAdapter) Send(_ context.Context, req delivery.Request) (delivery.Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call{at: a.clock.Now(), req: req})
	a.mu.Unlock()

	if a.fn == nil {
		return delivery.Response{OK: true, StatusCode: 200, Data: json.RawMessage(`{"ok":true}`)}, nil
	}

	return a.fn(req)
}

func (a *recordingAdapter) Calls() []call {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]call(nil), a.calls...)
}

type harness struct {
	clock    *testClock
	store    *memory.Store
	registry *delivery.Registry
	enqueuer *delivery.Enqueuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	store := memory.NewStore()

	return &harness{
		clock:    clock,
		store:    store,
		registry: delivery.NewRegistry(),
		enqueuer: delivery.NewEnqueuer(store, delivery.WithClock(clock)),
	}
}

func (h *harness) options(extra ...delivery.Option) []delivery.Option {
	opts := []delivery.Option{
		delivery.WithClock(h.clock),
		delivery.WithPacer(delivery.NewLocalPacer(h.clock, h.clock.Sleep)),
	}

	return append(opts, extra...)
}

func (h *harness) dispatcher(extra ...delivery.Option) *delivery.Dispatcher {
	return delivery.NewDispatcher(h.store, h.registry, h.options(extra...)...)
}

func (h *harness) sweeper(extra ...delivery.Option) *delivery.Sweeper {
	return delivery.NewSweeper(h.store, h.store, h.options(extra...)...)
}

func (h *harness) adapter(integrationID string, fn func(delivery.Request) (delivery.Response, error)) *recordingAdapter {
	adapter := &recordingAdapter{clock: h.clock, fn: fn}
	h.registry.Register(integrationID, adapter)

	return adapter
}

func (h *harness) enqueue(t *testing.T, integrationID, resource string) delivery.Record {
	t.Helper()
	record, err := h.enqueuer.Enqueue(context.Background(), delivery.Intent{
		IntegrationID:    integrationID,
		Operation:        "post_message",
		StableResourceID: resource,
		Payload:          json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	return record
}

func (h *harness) get(t *testing.T, record delivery.Record) delivery.Record {
	t.Helper()
	got, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}

	return got
}
