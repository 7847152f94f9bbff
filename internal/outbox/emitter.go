package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/commodex/backoffice/internal/events"
)

// EmitterStore defines what the emitter needs from the outbox store.
type EmitterStore interface {
	InsertRecord(ctx context.Context, rec *Record) (*Record, bool, error)
	AppendEvent(ctx context.Context, env *events.Envelope) error
}

// Emitter appends domain events to the event log and the outbox. Bind it to a
// transaction-scoped store (PostgresStore.WithTx) so the event rows commit
// atomically with the business mutation:
//
//	emitter := outbox.NewEmitter(store.WithTx(tx))
//	rec, err := emitter.Emit(ctx, env, outbox.WithIdempotencyKey(key))
//
// Emit performs no network I/O. Delivery errors never surface here; they are
// handled asynchronously by the dispatcher.
type Emitter struct {
	store EmitterStore
}

// NewEmitter creates an emitter over the given store.
func NewEmitter(store EmitterStore) *Emitter {
	return &Emitter{store: store}
}

// EmitOption customizes a single emission.
type EmitOption func(*emitParams)

type emitParams struct {
	topic          string
	idempotencyKey string
	maxRetries     int
	metadata       json.RawMessage
}

// WithTopic overrides the default topic resolved from the event type.
func WithTopic(topic string) EmitOption {
	return func(p *emitParams) { p.topic = topic }
}

// WithIdempotencyKey collapses duplicate submissions of the same logical
// operation into a single outbox record.
func WithIdempotencyKey(key string) EmitOption {
	return func(p *emitParams) { p.idempotencyKey = key }
}

// WithMaxRetries overrides the default delivery retry budget.
func WithMaxRetries(n int) EmitOption {
	return func(p *emitParams) { p.maxRetries = n }
}

// WithRecordMetadata attaches opaque metadata to the outbox row.
func WithRecordMetadata(metadata json.RawMessage) EmitOption {
	return func(p *emitParams) { p.metadata = metadata }
}

// Emit validates the envelope, appends it to the event log and inserts a
// PENDING outbox record. Validation errors propagate synchronously so the
// caller can roll back its transaction; a duplicate idempotency key is not an
// error and returns the prior record.
func (e *Emitter) Emit(ctx context.Context, env *events.Envelope, opts ...EmitOption) (*Record, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := events.CheckVersion(env.Version); err != nil {
		return nil, err
	}

	params := emitParams{topic: events.TopicForEventType(env.EventType)}
	for _, opt := range opts {
		opt(&params)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	rec := &Record{
		ID:            env.ID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		EventType:     env.EventType,
		Payload:       payload,
		TopicName:     params.topic,
		MaxRetries:    params.maxRetries,
		Version:       env.Version,
	}
	if params.idempotencyKey != "" {
		key := params.idempotencyKey
		rec.IdempotencyKey = &key
	}
	if len(params.metadata) > 0 {
		rec.Metadata = pqtype.NullRawMessage{RawMessage: params.metadata, Valid: true}
	}

	inserted, created, err := e.store.InsertRecord(ctx, rec)
	if err != nil {
		return nil, err
	}

	if created {
		// The audit log entry rides in the same transaction, and only for
		// first-time submissions so duplicates do not double-log.
		if err := e.store.AppendEvent(ctx, env); err != nil {
			return nil, err
		}
		log.Debug().
			Str("event_id", env.ID.String()).
			Str("event_type", env.EventType).
			Str("topic", inserted.TopicName).
			Msg("outbox record inserted")
	} else {
		log.Debug().
			Str("event_type", env.EventType).
			Str("idempotency_key", params.idempotencyKey).
			Msg("duplicate emission collapsed to existing outbox record")
	}
	return inserted, nil
}
