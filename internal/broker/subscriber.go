package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/events"
)

// Handler consumes one delivered envelope. Delivery is at-least-once, so
// handlers must tolerate duplicates (de-duplicate by envelope id).
type Handler func(ctx context.Context, env *events.Envelope) error

// SubscriberConfig configures durable JetStream consumers.
type SubscriberConfig struct {
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultSubscriberConfig returns the production defaults.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// Subscriber dispatches delivered envelopes to handlers registered per event
// type. Each Subscribe call creates (or resumes) a durable consumer, so a
// restarted subscriber picks up where it acked off.
type Subscriber struct {
	js     jetstream.JetStream
	config SubscriberConfig

	mu        sync.Mutex
	handlers  map[string]Handler
	catchAll  Handler
	consumers []jetstream.ConsumeContext
}

// NewSubscriber creates a subscriber over an established publisher connection.
func NewSubscriber(pub *JetStreamPublisher, cfg SubscriberConfig) (*Subscriber, error) {
	js, err := jetstream.New(pub.Conn())
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Subscriber{
		js:       js,
		config:   cfg,
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler routes envelopes of eventType to h. Registering the same
// type twice replaces the handler.
func (s *Subscriber) RegisterHandler(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = h
}

// RegisterCatchAll routes envelopes with no type-specific handler to h,
// for consumers that want the whole feed (audit logging, live tails).
func (s *Subscriber) RegisterCatchAll(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchAll = h
}

// Subscribe starts consuming topic under a durable consumer named
// subscriptionName. Envelopes are acked on handler success and nak'd on
// handler error for redelivery; event types with no registered handler are
// acked and skipped.
func (s *Subscriber) Subscribe(ctx context.Context, subscriptionName, topic string) error {
	stream, err := s.js.Stream(ctx, streamNameFor(topic))
	if err != nil {
		return fmt.Errorf("get stream for topic %s: %w", topic, err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          subscriptionName,
		Durable:       subscriptionName,
		FilterSubject: topic + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    s.config.MaxDeliver,
		AckWait:       s.config.AckWait,
		MaxAckPending: s.config.MaxAckPending,
	}

	consumer, err := stream.Consumer(ctx, subscriptionName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", subscriptionName, err)
		}
		log.Info().
			Str("subscription", subscriptionName).
			Str("topic", topic).
			Msg("created durable consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", subscriptionName, err)
	}

	s.mu.Lock()
	s.consumers = append(s.consumers, cc)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// Undecodable messages will never succeed; ack to stop redelivery.
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable message")
		_ = msg.Ack()
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[env.EventType]
	if !ok {
		handler, ok = s.catchAll, s.catchAll != nil
	}
	s.mu.Unlock()
	if !ok {
		_ = msg.Ack()
		return
	}

	if err := handler(ctx, &env); err != nil {
		log.Warn().
			Err(err).
			Str("event_id", env.ID.String()).
			Str("event_type", env.EventType).
			Msg("handler failed, requesting redelivery")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close stops all consumers.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.consumers = nil
}
