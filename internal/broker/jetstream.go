package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/events"
)

// JetStreamConfig configures the NATS JetStream publisher.
type JetStreamConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // how long streams keep messages
	Replicas        int
	DuplicateWindow time.Duration // broker-side publish dedupe window
}

// DefaultJetStreamConfig returns the production defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamPublisher publishes envelopes to NATS JetStream. Each topic maps to
// one stream; messages are published on `<topic>.<ordering key>` subjects so
// per-key subject order is publish order. The envelope id doubles as the
// JetStream Msg-Id, giving the broker a dedupe window against redeliveries.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig

	mu     sync.Mutex
	topics map[string]struct{}
}

// Connect dials NATS and returns a publisher over it.
func Connect(cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &JetStreamPublisher{
		nc:     nc,
		js:     js,
		config: cfg,
		topics: make(map[string]struct{}),
	}, nil
}

// Conn exposes the underlying connection for health checks and the subscriber.
func (p *JetStreamPublisher) Conn() *nats.Conn {
	return p.nc
}

// streamNameFor maps a topic to its JetStream stream name.
func streamNameFor(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(sanitizeToken(topic), "-", "_"))
}

// CreateTopic ensures the stream backing topic exists. An existing stream is
// success with created=false.
func (p *JetStreamPublisher) CreateTopic(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	_, known := p.topics[name]
	p.mu.Unlock()
	if known {
		return false, nil
	}

	streamName := streamNameFor(name)
	created := false
	if _, err := p.js.Stream(ctx, streamName); err != nil {
		sc := jetstream.StreamConfig{
			Name:       streamName,
			Subjects:   []string{name + ".>"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     p.config.MaxAge,
			Storage:    jetstream.FileStorage,
			Replicas:   p.config.Replicas,
			Duplicates: p.config.DuplicateWindow,
		}
		if _, err := p.js.CreateStream(ctx, sc); err != nil {
			// A concurrent worker may have created it between the lookup and
			// the create; that is still success.
			if _, lookupErr := p.js.Stream(ctx, streamName); lookupErr != nil {
				return false, fmt.Errorf("create stream for topic %s: %w", name, err)
			}
		} else {
			created = true
			log.Info().Str("topic", name).Str("stream", streamName).Msg("created JetStream stream")
		}
	}

	p.mu.Lock()
	p.topics[name] = struct{}{}
	p.mu.Unlock()
	return created, nil
}

// Publish sends one envelope and returns "<stream>:<sequence>" as message id.
func (p *JetStreamPublisher) Publish(ctx context.Context, topic, orderingKey string, env *events.Envelope) (string, error) {
	if _, err := p.CreateTopic(ctx, topic); err != nil {
		return "", err
	}

	key := orderingKey
	if key == "" {
		key = env.EventType
	}
	subject := topic + "." + sanitizeToken(key)

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type":   []string{env.EventType},
			"Event-ID":     []string{env.ID.String()},
			"Aggregate-ID": []string{env.AggregateID.String()},
			"Ordering-Key": []string{key},
		},
	}, jetstream.WithMsgID(env.ID.String()))
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}

	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// PublishBatch publishes envelopes serially, reporting partial success.
func (p *JetStreamPublisher) PublishBatch(ctx context.Context, topic, orderingKey string, envs []*events.Envelope) ([]string, error) {
	return publishSerially(ctx, p, topic, orderingKey, envs)
}

// Close drains the connection.
func (p *JetStreamPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
