package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/velmie/delivery"

var tracer = otel.Tracer(tracerName)

// Enqueuer admits delivery intents into the outbox exactly once.
type Enqueuer struct {
	store Store
	cfg   Config
}

// NewEnqueuer constructs an Enqueuer with defaults and optional settings.
func NewEnqueuer(store Store, opts ...Option) *Enqueuer {
	if store == nil {
		panic("delivery: nil Store")
	}

	return &Enqueuer{store: store, cfg: newConfig(opts)}
}

// Enqueue stores the intent as a queued record, or returns the record already stored
// for an identical intent. Concurrent identical calls converge on one record through
// the store's unique constraint.
func (e *Enqueuer) Enqueue(ctx context.Context, intent Intent) (Record, error) {
	ctx, span := tracer.Start(ctx, "delivery.enqueue")
	defer span.End()

	record, err := e.enqueue(ctx, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return Record{}, err
	}
	span.SetAttributes(
		attribute.String("delivery.integration_id", record.IntegrationID),
		attribute.String("delivery.record_id", record.ID.String()),
	)

	return record, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, intent Intent) (Record, error) {
	if err := intent.Validate(); err != nil {
		return Record{}, err
	}
	intent = intent.normalized()

	key, err := IdempotencyKey(intent)
	if err != nil {
		return Record{}, err
	}

	existing, err := e.store.GetByKey(ctx, key)
	if err == nil {
		e.deduplicated(existing)

		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("delivery: lookup idempotency key: %w", err)
	}

	id, err := e.cfg.Generator.New()
	if err != nil {
		return Record{}, err
	}
	now := e.cfg.Clock.Now()
	record := Record{
		ID:               id,
		IntegrationID:    intent.IntegrationID,
		Operation:        intent.Operation,
		StableResourceID: intent.StableResourceID,
		Payload:          intent.Payload,
		IdempotencyKey:   key,
		Status:           StatusQueued,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.Create(ctx, record); err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			return Record{}, fmt.Errorf("delivery: create record: %w", err)
		}

		winner, getErr := e.store.GetByKey(ctx, key)
		if getErr != nil {
			return Record{}, fmt.Errorf("delivery: re-fetch after duplicate key: %w", getErr)
		}
		e.deduplicated(winner)

		return winner, nil
	}

	e.cfg.Metrics.AddEnqueued(1)
	e.cfg.Logger.Debug("delivery enqueued", "record_id", record.ID, "integration", record.IntegrationID, "operation", record.Operation)

	return record, nil
}

func (e *Enqueuer) deduplicated(record Record) {
	e.cfg.Metrics.AddDeduplicated(1)
	e.cfg.Logger.Debug("delivery enqueue deduplicated", "record_id", record.ID, "status", record.Status)
}
