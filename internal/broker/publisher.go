// Package broker adapts the outbox subsystem to the message broker. The
// production implementation targets NATS JetStream; a local in-memory
// publisher serves environments without delivery infrastructure.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/commodex/backoffice/internal/events"
)

// Publisher is the broker surface the dispatcher and stream router publish
// through. Delivery is at-least-once; relative order is preserved only among
// messages sharing an ordering key.
type Publisher interface {
	// Publish sends one envelope to topic and returns the broker-assigned
	// message id. When orderingKey is non-empty the broker preserves the
	// relative order of messages sharing that key.
	Publish(ctx context.Context, topic, orderingKey string, env *events.Envelope) (string, error)

	// PublishBatch publishes envelopes serially. On failure it returns the
	// message ids of the envelopes that did succeed alongside a BatchError
	// identifying where the batch stopped.
	PublishBatch(ctx context.Context, topic, orderingKey string, envs []*events.Envelope) ([]string, error)

	// CreateTopic ensures topic exists. Idempotent: created is false when the
	// topic already existed, and that is not an error.
	CreateTopic(ctx context.Context, name string) (bool, error)
}

// BatchError reports a batch publish that failed partway through.
type BatchError struct {
	// Index is the position of the envelope whose publish failed.
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch publish failed at envelope %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// publishSerially implements PublishBatch on top of single publishes.
func publishSerially(ctx context.Context, p Publisher, topic, orderingKey string, envs []*events.Envelope) ([]string, error) {
	ids := make([]string, 0, len(envs))
	for i, env := range envs {
		id, err := p.Publish(ctx, topic, orderingKey, env)
		if err != nil {
			return ids, &BatchError{Index: i, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TopicDelivery publishes each record's envelope to its resolved topic with
// the aggregate id as ordering key, so all events about one entity arrive in
// submission order. It is the dispatcher's delivery path when the stream
// router is disabled.
type TopicDelivery struct {
	Publisher Publisher
}

// Deliver publishes env to topic keyed by its aggregate id.
func (t TopicDelivery) Deliver(ctx context.Context, topic string, env *events.Envelope) (string, error) {
	return t.Publisher.Publish(ctx, topic, env.AggregateID.String(), env)
}

// sanitizeToken makes a value safe for use as a broker subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>', ':', '/':
			return '-'
		default:
			return r
		}
	}, s)
}
