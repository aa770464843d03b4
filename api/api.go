// Package api exposes the delivery pipeline over an admin HTTP API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/velmie/delivery"
)

// HeaderAdminKey carries the admin secret on privileged routes.
const HeaderAdminKey = "X-Admin-Key"

const maxBodyBytes = 1 << 20

// Config wires the handlers to the pipeline.
type Config struct {
	Enqueuer   *delivery.Enqueuer
	Dispatcher *delivery.Dispatcher
	Sweeper    *delivery.Sweeper
	// AdminKey guards every /v1 route. An empty key rejects all privileged requests.
	AdminKey string
	// RequestsPerSecond limits requests per client address. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            delivery.Logger
}

type server struct {
	cfg    Config
	logger delivery.Logger
}

// NewRouter returns the admin API handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = delivery.NopLogger{}
	}
	s := &server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rateLimit(cfg.RequestsPerSecond, cfg.Burst))

	r.Get("/healthz", healthHandler)
	r.Route("/v1", func(r chi.Router) {
		r.Use(adminKey(cfg.AdminKey))
		r.Post("/deliveries", s.enqueue)
		r.Get("/deliveries/{id}", s.get)
		r.Post("/deliveries/{id}/revive", s.revive)
		r.Post("/dispatch", s.dispatch)
		r.Post("/reconcile", s.reconcile)
	})

	return r
}

func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	if burst > 0 {
		lmt.SetBurst(burst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpErr := tollbooth.LimitByRequest(lmt, w, r); httpErr != nil {
				writeJSON(w, httpErr.StatusCode, errorBody{Error: httpErr.Message})

				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func adminKey(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "admin key is not configured"})

				return
			}

			provided := r.Header.Get(HeaderAdminKey)
			if provided == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing admin key"})

				return
			}
			if subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid admin key"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("delivery api request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest), errors.Is(err, delivery.ErrInvalidBatchSize):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, delivery.ErrLockHeld), errors.Is(err, delivery.ErrStaleRecord):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", delivery.ErrInvalidRequest, err)
	}

	return nil
}
