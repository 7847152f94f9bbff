package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commodex/backoffice/internal/events"
)

// LocalMessage is one message captured by the LocalPublisher.
type LocalMessage struct {
	Topic       string
	OrderingKey string
	MessageID   string
	Envelope    *events.Envelope
	PublishedAt time.Time
}

// LocalPublisher is the offline publisher: it appends to in-memory per-topic
// lists instead of making network calls. Used when no broker is configured and
// by tests. Publishes always succeed, so records never enter the retry path.
type LocalPublisher struct {
	mu     sync.Mutex
	seq    int64
	topics map[string][]LocalMessage
}

// NewLocalPublisher creates an empty local publisher.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{topics: make(map[string][]LocalMessage)}
}

// Publish appends the envelope to the topic's message list.
func (p *LocalPublisher) Publish(ctx context.Context, topic, orderingKey string, env *events.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	msg := LocalMessage{
		Topic:       topic,
		OrderingKey: orderingKey,
		MessageID:   fmt.Sprintf("local-%d", p.seq),
		Envelope:    env,
		PublishedAt: time.Now().UTC(),
	}
	p.topics[topic] = append(p.topics[topic], msg)
	return msg.MessageID, nil
}

// PublishBatch publishes envelopes serially.
func (p *LocalPublisher) PublishBatch(ctx context.Context, topic, orderingKey string, envs []*events.Envelope) ([]string, error) {
	return publishSerially(ctx, p, topic, orderingKey, envs)
}

// CreateTopic registers the topic. Existing topics report created=false.
func (p *LocalPublisher) CreateTopic(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.topics[name]; ok {
		return false, nil
	}
	p.topics[name] = nil
	return true, nil
}

// Messages returns a copy of everything published to topic, in publish order.
func (p *LocalPublisher) Messages(topic string) []LocalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]LocalMessage, len(p.topics[topic]))
	copy(msgs, p.topics[topic])
	return msgs
}

// MessagesByKey returns the topic's messages sharing an ordering key, in
// publish order.
func (p *LocalPublisher) MessagesByKey(topic, orderingKey string) []LocalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msgs []LocalMessage
	for _, m := range p.topics[topic] {
		if m.OrderingKey == orderingKey {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Topics returns the names of all known topics.
func (p *LocalPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.topics))
	for name := range p.topics {
		names = append(names, name)
	}
	return names
}
