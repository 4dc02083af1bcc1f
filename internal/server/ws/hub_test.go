package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type chanBus struct{ ch chan []byte }

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type staticSnap []domain.Position

func (s staticSnap) ListByStatus(...domain.PositionStatus) []domain.Position { return s }

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubSnapshotAndRelay(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	snap := staticSnap{{ID: "p1", Venue: "kraken", Status: domain.PositionStatusOpen}}
	hub := NewHub(bus, snap, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, "snapshot", env.Type)
	var positions []domain.Position
	require.NoError(t, json.Unmarshal(env.Payload, &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "p1", positions[0].ID)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"event":"opened","position":{"id":"p2","venue":"kraken"}}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, "positions", env.Type)
	assert.JSONEq(t, `{"event":"opened","position":{"id":"p2","venue":"kraken"}}`, string(env.Payload))
}

func TestHubVenueFilter(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := NewHub(bus, nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(filterMsg{Action: "filter", Venues: []string{"MEXC"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.wants("mexc") && !c.wants("kraken") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"event":"opened","position":{"id":"k","venue":"kraken"}}`)
	bus.ch <- []byte(`{"event":"opened","position":{"id":"m","venue":"mexc"}}`)

	env := readEnvelope(t, conn)
	assert.Contains(t, string(env.Payload), `"id":"m"`)
}

func TestEventVenue(t *testing.T) {
	assert.Equal(t, "kraken", eventVenue([]byte(`{"position":{"venue":"kraken"}}`)))
	assert.Equal(t, "", eventVenue([]byte(`nope`)))
}
