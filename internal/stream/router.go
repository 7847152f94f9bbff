// Package stream fans events out to fine-grained logical streams so
// subscribers can follow one user, one organization or one entity without
// consuming the whole event feed.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/broker"
	"github.com/commodex/backoffice/internal/events"
)

// DefaultGlobalTopic is the catch-all topic every event is published to once,
// for whole-system consumers.
const DefaultGlobalTopic = "all-events"

// Router derives stream keys from an envelope and fans it out to one topic
// per key, plus the global catch-all topic. The stream key doubles as the
// ordering key, so subscribers of one stream see events in submission order.
type Router struct {
	pub         broker.Publisher
	globalTopic string

	mu     sync.Mutex
	topics map[string]struct{}
}

// RouterOption customizes a router.
type RouterOption func(*Router)

// WithGlobalTopic overrides the catch-all topic name.
func WithGlobalTopic(topic string) RouterOption {
	return func(r *Router) { r.globalTopic = topic }
}

// NewRouter creates a router publishing through pub.
func NewRouter(pub broker.Publisher, opts ...RouterOption) *Router {
	r := &Router{
		pub:         pub,
		globalTopic: DefaultGlobalTopic,
		topics:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouteKeys derives one stream key per dimension present on the envelope:
// user, organization, the aggregate itself, and the event type.
func (r *Router) RouteKeys(env *events.Envelope) []string {
	keys := make([]string, 0, 4)
	if env.UserID != "" {
		keys = append(keys, "user:"+env.UserID)
	}
	if env.OrganizationID != "" {
		keys = append(keys, "org:"+env.OrganizationID)
	}
	if env.AggregateType != "" {
		keys = append(keys, env.AggregateType+":"+env.AggregateID.String())
	}
	if env.EventType != "" {
		keys = append(keys, "event-type:"+env.EventType)
	}
	return keys
}

// TopicForStream maps a stream key to its topic name: colons and dots become
// hyphens so the key is a valid topic.
func TopicForStream(streamKey string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case ':', '.':
			return '-'
		default:
			return c
		}
	}, streamKey)
}

// PublishToStream publishes env to the stream's topic, keyed by the stream key
// itself so the stream is totally ordered.
func (r *Router) PublishToStream(ctx context.Context, streamKey string, env *events.Envelope) (string, error) {
	topic := TopicForStream(streamKey)
	if err := r.ensureTopic(ctx, topic); err != nil {
		return "", err
	}
	return r.pub.Publish(ctx, topic, streamKey, env)
}

// Deliver implements the dispatcher's delivery path with fan-out: the primary
// topic resolved for the record, then every derived stream, then the global
// catch-all. The returned message id is the primary publish's. Stream and
// global failures are reported after all destinations were attempted, so one
// bad stream does not starve the others; the dispatcher retries the whole
// event and the broker's id-based dedupe absorbs the replays.
func (r *Router) Deliver(ctx context.Context, topic string, env *events.Envelope) (string, error) {
	if err := r.ensureTopic(ctx, topic); err != nil {
		return "", err
	}
	messageID, err := r.pub.Publish(ctx, topic, env.AggregateID.String(), env)
	if err != nil {
		return "", err
	}

	var firstErr error
	for _, key := range r.RouteKeys(env) {
		if _, err := r.PublishToStream(ctx, key, env); err != nil {
			log.Warn().
				Err(err).
				Str("stream_key", key).
				Str("event_id", env.ID.String()).
				Msg("stream fan-out publish failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("publish to stream %s: %w", key, err)
			}
		}
	}

	if err := r.ensureTopic(ctx, r.globalTopic); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if _, err := r.pub.Publish(ctx, r.globalTopic, env.AggregateID.String(), env); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("publish to global topic: %w", err)
		}
	}

	if firstErr != nil {
		return "", firstErr
	}
	return messageID, nil
}

// ensureTopic creates the topic once and memoizes it. The cache is in-process
// only and safe to rebuild on restart, since topic creation is idempotent.
func (r *Router) ensureTopic(ctx context.Context, topic string) error {
	r.mu.Lock()
	_, known := r.topics[topic]
	r.mu.Unlock()
	if known {
		return nil
	}

	if _, err := r.pub.CreateTopic(ctx, topic); err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	r.mu.Lock()
	r.topics[topic] = struct{}{}
	r.mu.Unlock()
	return nil
}
