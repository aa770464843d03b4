package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/delivery"
	"github.com/velmie/delivery/memory"
)

const secret = "s3cret"

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()
	store := memory.NewStore()
	registry := delivery.NewRegistry().Register("slack", delivery.AdapterFunc(func(context.Context, delivery.Request) (delivery.Response, error) {
		return delivery.Response{OK: true, StatusCode: 200, Data: json.RawMessage(`{"ts":"1"}`)}, nil
	}))
	opts := []delivery.Option{delivery.WithLimits(delivery.LimitTable{Limits: map[string]delivery.Limit{"slack": {}}})}

	cfg := Config{
		Enqueuer:   delivery.NewEnqueuer(store, opts...),
		Dispatcher: delivery.NewDispatcher(store, registry, opts...),
		Sweeper:    delivery.NewSweeper(store, store, opts...),
		AdminKey:   secret,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return NewRouter(cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderAdminKey, secret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}

	return rec, out
}

func TestHealthzNeedsNoKey(t *testing.T) {
	h := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAdminKey(t *testing.T) {
	h := newTestRouter(t, nil)

	for name, key := range map[string]string{"missing": "", "wrong": "nope"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
			if key != "" {
				req.Header.Set(HeaderAdminKey, key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	unconfigured := newTestRouter(t, func(cfg *Config) { cfg.AdminKey = "" })
	rec, _ := do(t, unconfigured, http.MethodPost, "/v1/dispatch", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEnqueueGetDispatchFlow(t *testing.T) {
	h := newTestRouter(t, nil)
	body := `{"integration_id":"slack","operation":"post_message","stable_resource_id":"X","payload":{"text":"hi"}}`

	rec, first := do(t, h, http.MethodPost, "/v1/deliveries", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", first["status"])
	assert.Len(t, first["idempotency_key"], 64)

	rec, second := do(t, h, http.MethodPost, "/v1/deliveries", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["id"], second["id"])

	rec, summary := do(t, h, http.MethodPost, "/v1/dispatch", `{"batch_size":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, summary["sent"])

	id := first["id"].(string)
	rec, got := do(t, h, http.MethodGet, "/v1/deliveries/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", got["status"])
	assert.EqualValues(t, 1, got["attempts"])
	assert.Equal(t, map[string]any{"ts": "1"}, got["provider_response"])

	rec, _ = do(t, h, http.MethodPost, "/v1/deliveries/"+id+"/revive", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestErrors(t *testing.T) {
	h := newTestRouter(t, nil)

	rec, body := do(t, h, http.MethodPost, "/v1/deliveries", `{"integration_id":"slack","stable_resource_id":"X","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "operation is required")

	rec, _ = do(t, h, http.MethodPost, "/v1/deliveries", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/v1/deliveries/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/v1/deliveries/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/dispatch", `{"batch_size":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcile(t *testing.T) {
	h := newTestRouter(t, nil)

	rec, run := do(t, h, http.MethodPost, "/v1/reconcile", `{"integration_id":"slack","hard_timeout_seconds":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", run["status"])
	assert.Equal(t, true, run["timed_out"])
	assert.EqualValues(t, 0, run["checked"])

	rec, run = do(t, h, http.MethodPost, "/v1/reconcile", `{"integration_id":"slack"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, run["timed_out"])

	rec, _ = do(t, h, http.MethodPost, "/v1/reconcile", `{"integration_id":"myspace"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/reconcile", `{"integration_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(t, func(cfg *Config) {
		cfg.RequestsPerSecond = 1
		cfg.Burst = 1
	})

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, body["error"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(delivery.ErrLockHeld))
	assert.Equal(t, http.StatusConflict, statusFor(delivery.ErrInvalidTransition))
	assert.Equal(t, http.StatusNotFound, statusFor(delivery.ErrNoAdapter))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}
