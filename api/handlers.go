package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

type enqueueRequest struct {
	IntegrationID    string          `json:"integration_id"`
	Operation        string          `json:"operation"`
	StableResourceID string          `json:"stable_resource_id"`
	Payload          json.RawMessage `json:"payload"`
}

// RecordView is the JSON form of a record.
type RecordView struct {
	ID               uuid.UUID       `json:"id"`
	IntegrationID    string          `json:"integration_id"`
	Operation        string          `json:"operation"`
	StableResourceID string          `json:"stable_resource_id"`
	Payload          json.RawMessage `json:"payload"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Status           delivery.Status `json:"status"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	RateLimitedAt    *time.Time      `json:"rate_limited_at,omitempty"`
	LastError        *string         `json:"last_error,omitempty"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewRecordView converts a record.
func NewRecordView(r delivery.Record) RecordView {
	return RecordView{
		ID:               r.ID,
		IntegrationID:    r.IntegrationID,
		Operation:        r.Operation,
		StableResourceID: r.StableResourceID,
		Payload:          r.Payload,
		IdempotencyKey:   r.IdempotencyKey,
		Status:           r.Status,
		Attempts:         r.Attempts,
		NextAttemptAt:    r.NextAttemptAt,
		RateLimitedAt:    r.RateLimitedAt,
		LastError:        r.LastError,
		ProviderResponse: r.ProviderResponse,
		SentAt:           r.SentAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type dispatchRequest struct {
	BatchSize int `json:"batch_size"`
}

// SummaryView is the JSON form of a dispatch summary.
type SummaryView struct {
	Processed   int   `json:"processed"`
	Sent        int   `json:"sent"`
	Failed      int   `json:"failed"`
	DeadLetter  int   `json:"dead_letter"`
	RateLimited int   `json:"rate_limited"`
	Conflicts   int   `json:"conflicts"`
	StoreErrors int   `json:"store_errors"`
	DurationMS  int64 `json:"duration_ms"`
}

// NewSummaryView converts a dispatch summary.
func NewSummaryView(s delivery.Summary) SummaryView {
	return SummaryView{
		Processed:   s.Processed,
		Sent:        s.Sent,
		Failed:      s.Failed,
		DeadLetter:  s.DeadLetter,
		RateLimited: s.RateLimited,
		Conflicts:   s.Conflicts,
		StoreErrors: s.StoreErrors,
		DurationMS:  s.Duration.Milliseconds(),
	}
}

type reconcileRequest struct {
	IntegrationID string `json:"integration_id"`
	MaxItems      int    `json:"max_items"`
	// HardTimeoutSeconds nil applies the default; 0 stops before the first record.
	HardTimeoutSeconds *int `json:"hard_timeout_seconds"`
}

// RunView is the JSON form of a reconciliation run.
type RunView struct {
	ID             uuid.UUID          `json:"id"`
	IntegrationID  string             `json:"integration_id"`
	Status         delivery.RunStatus `json:"status"`
	Checked        int                `json:"checked"`
	DriftFixed     int                `json:"drift_fixed"`
	APICalls       int                `json:"api_calls"`
	RateLimited429 int                `json:"rate_limited_429"`
	Failures       int                `json:"failures"`
	TimedOut       bool               `json:"timed_out"`
	Notes          string             `json:"notes,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

// NewRunView converts a reconciliation run.
func NewRunView(r delivery.ReconciliationRun) RunView {
	return RunView{
		ID:             r.ID,
		IntegrationID:  r.IntegrationID,
		Status:         r.Status,
		Checked:        r.Checked,
		DriftFixed:     r.DriftFixed,
		APICalls:       r.APICalls,
		RateLimited429: r.RateLimited429,
		Failures:       r.Failures,
		TimedOut:       r.TimedOut,
		Notes:          r.Notes,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	record, err := s.cfg.Enqueuer.Enqueue(r.Context(), delivery.Intent{
		IntegrationID:    req.IntegrationID,
		Operation:        req.Operation,
		StableResourceID: req.StableResourceID,
		Payload:          req.Payload,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, NewRecordView(record))
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	id, err := delivery.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	record, err := s.cfg.Sweeper.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, NewRecordView(record))
}

func (s *server) revive(w http.ResponseWriter, r *http.Request) {
	id, err := delivery.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	record, err := s.cfg.Sweeper.Revive(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, NewRecordView(record))
}

func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	summary, err := s.cfg.Dispatcher.DispatchBatch(r.Context(), req.BatchSize)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, NewSummaryView(summary))
}

func (s *server) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	hardTimeout := time.Duration(-1)
	if req.HardTimeoutSeconds != nil {
		hardTimeout = time.Duration(*req.HardTimeoutSeconds) * time.Second
	}

	run, err := s.cfg.Sweeper.Reconcile(r.Context(), req.IntegrationID, req.MaxItems, hardTimeout)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	status := http.StatusOK
	if run.Err() != nil {
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, NewRunView(run))
}
