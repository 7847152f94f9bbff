package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// WakeListenerConfig configures the LISTEN/NOTIFY wake-up path.
type WakeListenerConfig struct {
	DatabaseURL  string        // Postgres DSN for LISTEN/NOTIFY
	Channel      string        // channel the outbox insert trigger notifies on
	PingInterval time.Duration // keepalive for the listener connection
}

// DefaultWakeListenerConfig returns the production defaults.
func DefaultWakeListenerConfig() WakeListenerConfig {
	return WakeListenerConfig{
		Channel:      "outbox_wakeup",
		PingInterval: 90 * time.Second,
	}
}

// Nudger is the dispatcher surface the listener drives.
type Nudger interface {
	Nudge()
}

// WakeListener nudges the dispatcher when the outbox insert trigger fires,
// cutting delivery latency below the poll interval. It is an optimization
// only: missed notifications are covered by the dispatcher's own polling.
type WakeListener struct {
	listener *pq.Listener
	target   Nudger
	config   WakeListenerConfig
}

// NewWakeListener opens a LISTEN connection on the configured channel.
func NewWakeListener(cfg WakeListenerConfig, target Nudger) (*WakeListener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("wake listener event")
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen on channel %s: %w", cfg.Channel, err)
	}

	log.Info().Str("channel", cfg.Channel).Msg("listening for outbox notifications")

	return &WakeListener{
		listener: l,
		target:   target,
		config:   cfg,
	}, nil
}

// Start blocks consuming notifications until ctx is cancelled.
func (w *WakeListener) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(w.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("wake listener shutting down")
			return w.Stop()
		case note := <-w.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established;
				// the poll loop covers anything missed in between.
				continue
			}
			w.target.Nudge()
		case <-pingTicker.C:
			if err := w.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping wake listener connection")
			}
		}
	}
}

// Stop closes the listener connection.
func (w *WakeListener) Stop() error {
	return w.listener.Close()
}
