// Package ws streams position lifecycle events to dashboard clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Snapshotter lists the positions currently tracked.
type Snapshotter interface {
	ListByStatus(statuses ...domain.PositionStatus) []domain.Position
}

// Config configures a Hub.
type Config struct {
	// Channels are the bus channels relayed to clients.
	Channels []string
	// AllowedOrigins restricts the upgrade Origin header. Empty allows all.
	AllowedOrigins []string
}

// Hub relays bus messages to connected WebSocket clients.
type Hub struct {
	bus      domain.SignalBus
	snap     Snapshotter
	channels []string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	broadcast chan relayed
}

type relayed struct {
	venue string
	data  []byte
}

// envelope is what clients receive for every frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// filterMsg lets a client narrow the stream to some venues. An empty list
// restores everything.
type filterMsg struct {
	Action string   `json:"action"`
	Venues []string `json:"venues"`
}

// NewHub creates a Hub. snap may be nil.
func NewHub(bus domain.SignalBus, snap Snapshotter, cfg Config, logger *slog.Logger) *Hub {
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []string{"positions"}
	}
	h := &Hub{
		bus:       bus,
		snap:      snap,
		channels:  channels,
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]struct{}),
		broadcast: make(chan relayed, 256),
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.ToLower(o)] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || origins["*"] || origins[strings.ToLower(origin)]
		},
	}
	return h
}

// Run subscribes to the relay channels and fans messages out until ctx is
// done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.Error("subscribe failed", slog.String("channel", ch), slog.String("error", err.Error()))
			continue
		}
		go h.pump(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) pump(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			frame, err := json.Marshal(envelope{Type: channel, Payload: data})
			if err != nil {
				h.logger.Debug("dropping non-JSON message", slog.String("channel", channel))
				continue
			}
			select {
			case h.broadcast <- relayed{venue: eventVenue(data), data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) fanOut(msg relayed) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.venue) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("dropping message for slow client")
		}
	}
}

// eventVenue extracts position.venue from a position event.
func eventVenue(data []byte) string {
	var ev struct {
		Position struct {
			Venue string `json:"venue"`
		} `json:"position"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ""
	}
	return ev.Position.Venue
}

// HandleWS upgrades the request and starts the client pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	c.sendSnapshot()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("client disconnected", slog.Int("clients", len(h.clients)))
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	venues map[string]bool
}

func (c *client) wants(venue string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.venues) == 0 || venue == "" || c.venues[venue]
}

func (c *client) sendSnapshot() {
	if c.hub.snap == nil {
		return
	}
	positions := c.hub.snap.ListByStatus()
	if positions == nil {
		positions = []domain.Position{}
	}
	payload, err := json.Marshal(positions)
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Type: "snapshot", Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var f filterMsg
		if json.Unmarshal(message, &f) == nil && f.Action == "filter" {
			c.setFilter(f.Venues)
		}
	}
}

func (c *client) setFilter(venues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.venues = make(map[string]bool, len(venues))
	for _, v := range venues {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			c.venues[v] = true
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
