package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodex/backoffice/internal/events"
)

func testEnvelope(t *testing.T, eventType string) *events.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"field": "value"})
	require.NoError(t, err)
	return events.NewEnvelope(eventType, "partner", uuid.New(), payload)
}

func TestEmitInsertsPendingRecord(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	env := testEnvelope(t, "partner.approved")
	rec, err := emitter.Emit(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "partner-events", rec.TopicName)
	assert.Equal(t, DefaultMaxRetries, rec.MaxRetries)
	assert.Equal(t, env.AggregateID, rec.AggregateID)
	assert.Equal(t, 1, store.eventLogLen())

	var stored events.Envelope
	require.NoError(t, json.Unmarshal(rec.Payload, &stored))
	assert.Equal(t, env.ID, stored.ID)
	assert.Equal(t, env.EventType, stored.EventType)
}

func TestEmitTopicOverride(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	rec, err := emitter.Emit(context.Background(), testEnvelope(t, "partner.approved"),
		WithTopic("onboarding-events"))
	require.NoError(t, err)
	assert.Equal(t, "onboarding-events", rec.TopicName)
}

func TestEmitRejectsIncompatibleVersion(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	payload, _ := json.Marshal(map[string]string{"field": "value"})
	env := events.NewEnvelope("partner.approved", "partner", uuid.New(), payload,
		events.WithVersion(99))

	_, err := emitter.Emit(context.Background(), env)

	var verr *events.VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 99, verr.Version)
	// Nothing reaches the outbox or the event log on validation failure.
	assert.Equal(t, 0, store.count())
	assert.Equal(t, 0, store.eventLogLen())
}

func TestEmitRejectsIncompleteEnvelope(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	env := events.NewEnvelope("", "partner", uuid.New(), []byte(`{}`))
	_, err := emitter.Emit(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, events.ErrMissingField))
}

func TestEmitIdempotencyKeyCollapsesDuplicates(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)
	ctx := context.Background()

	first, err := emitter.Emit(ctx, testEnvelope(t, "payment.settled"),
		WithIdempotencyKey("payment-42"))
	require.NoError(t, err)

	second, err := emitter.Emit(ctx, testEnvelope(t, "payment.settled"),
		WithIdempotencyKey("payment-42"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.count())
	// The audit log records the logical event once.
	assert.Equal(t, 1, store.eventLogLen())
}

func TestEmitIdempotencyUnderConcurrency(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	const submissions = 32
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, submissions)

	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := emitter.Emit(context.Background(),
				testEnvelope(t, "risk.score.changed"),
				WithIdempotencyKey("risk-rescore-7"))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, store.count())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEmitMaxRetriesOverride(t *testing.T) {
	store := newMemStore()
	emitter := NewEmitter(store)

	rec, err := emitter.Emit(context.Background(), testEnvelope(t, "trade.captured"),
		WithMaxRetries(2))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MaxRetries)
}
