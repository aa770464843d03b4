package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is the call handed to a provider adapter.
type Request struct {
	RecordID         uuid.UUID
	IntegrationID    string
	Operation        string
	StableResourceID string
	Payload          json.RawMessage
	// IdempotencyKey should be forwarded to providers that support de-duplication.
	IdempotencyKey string
	// Attempt is the 1-based number of this delivery attempt.
	Attempt int
}

// Response is the normalized provider answer.
type Response struct {
	OK         bool
	StatusCode int
	// Data is stored as provider_response on success.
	Data json.RawMessage
	// Error describes the failure when OK is false.
	Error string
	// RetryAfter is the provider's retry hint on a 429.
	RetryAfter time.Duration
}

// Adapter performs one external call.
//
// A returned error counts as a provider failure unless it matches ErrProviderRateLimited,
// either as a *RateLimitedError carrying a retry hint or as the wrapped sentinel.
type Adapter interface {
	// Send delivers the request and returns the normalized outcome.
	Send(ctx context.Context, req Request) (Response, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req Request) (Response, error)

// Send implements Adapter.
func (fn AdapterFunc) Send(ctx context.Context, req Request) (Response, error) {
	return fn(ctx, req)
}

// Registry maps integration IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to an integration, replacing any previous binding.
func (r *Registry) Register(integrationID string, adapter Adapter) *Registry {
	if adapter == nil {
		panic("delivery: nil Adapter")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[integrationID] = adapter

	return r
}

// SetFallback sets the adapter used for integrations without an explicit binding.
func (r *Registry) SetFallback(adapter Adapter) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = adapter

	return r
}

// Lookup returns the adapter for an integration.
func (r *Registry) Lookup(integrationID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if adapter, ok := r.adapters[integrationID]; ok {
		return adapter, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}

	return nil, false
}
