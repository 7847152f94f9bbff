package ops

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodex/backoffice/internal/events"
)

func dialFeed(t *testing.T, feed *Feed, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The handler registers the client just after the upgrade handshake; wait
	// for it so a broadcast cannot race the registration.
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.conns) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestFeedBroadcastsToClients(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()
	ts := httptest.NewServer(feed)
	defer ts.Close()

	conn := dialFeed(t, feed, ts)

	env := events.NewEnvelope("trade.captured", "trade", uuid.New(), []byte(`{"qty":10}`))
	feed.Broadcast(env)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "trade.captured", got.EventType)
}

func TestFeedDropsDisconnectedClients(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()
	ts := httptest.NewServer(feed)
	defer ts.Close()

	conn := dialFeed(t, feed, ts)
	conn.Close()

	// Broadcasting to a closed connection evicts it instead of failing.
	env := events.NewEnvelope("trade.captured", "trade", uuid.New(), []byte(`{}`))
	assert.Eventually(t, func() bool {
		feed.Broadcast(env)
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeedHandlerBroadcasts(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()
	ts := httptest.NewServer(feed)
	defer ts.Close()

	conn := dialFeed(t, feed, ts)

	env := events.NewEnvelope("payment.settled", "payment", uuid.New(), []byte(`{}`))
	require.NoError(t, feed.Handler()(context.Background(), env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, env.ID, got.ID)
}
