package ops

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/events"
)

// Feed broadcasts delivered envelopes to connected websocket clients: a live
// tail of the event flow for operators. Clients too slow to keep up are
// dropped rather than allowed to stall the broadcast.
type Feed struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	clients := len(f.conns)
	f.mu.Unlock()

	log.Info().Int("clients", clients).Msg("feed client connected")

	// Reader goroutine: discard inbound frames, detect disconnects.
	go func() {
		defer f.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends the envelope to every connected client.
func (f *Feed) Broadcast(env *events.Envelope) {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(env); err != nil {
			f.drop(conn)
		}
	}
}

// Handler adapts the feed to a broker subscription handler, so the feed can be
// registered on the global catch-all topic.
func (f *Feed) Handler() func(ctx context.Context, env *events.Envelope) error {
	return func(ctx context.Context, env *events.Envelope) error {
		f.Broadcast(env)
		return nil
	}
}

// Close disconnects all clients.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = make(map[*websocket.Conn]struct{})
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
	_ = conn.Close()
}
