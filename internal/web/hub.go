package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/proxwatch/internal/events"
	"github.com/nugget/proxwatch/internal/watcher"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Message types sent on the event stream.
const (
	MsgSnapshot = "snapshot"
	MsgEvent    = "event"
)

// Message is one frame on the event stream. A client first receives a
// snapshot of the watcher, then one event frame per bus event.
type Message struct {
	Type     string            `json:"type"`
	Snapshot *watcher.Snapshot `json:"snapshot,omitempty"`
	Event    *events.Event     `json:"event,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))
}

// Hub fans bus events out to websocket clients. Slow clients are
// disconnected rather than allowed to hold up the others.
type Hub struct {
	upgrader websocket.Upgrader
	bus      *events.Bus
	sub      <-chan events.Event
	status   StatusProvider
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub subscribes to bus immediately so no event published after
// construction is missed; call Run to start delivering.
func NewHub(bus *events.Bus, status StatusProvider, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bus:     bus,
		status:  status,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	if bus != nil {
		h.sub = bus.Subscribe(clientBuffer)
	}
	return h
}

// Run delivers bus events to clients until ctx ends, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	if h.sub == nil {
		<-ctx.Done()
		return
	}
	defer h.bus.Unsubscribe(h.sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-h.sub:
			if !ok {
				return
			}
			h.broadcast(Message{Type: MsgEvent, Event: &e})
		}
	}
}

// Serve registers conn as a client, sends it the current snapshot and
// reads from it until it disconnects. Inbound frames are discarded.
func (h *Hub) Serve(conn *websocket.Conn, remote string) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	// The snapshot is queued before the client is visible to broadcast,
	// so it is always the first frame.
	if h.status != nil {
		snap := h.status.Snapshot()
		if data, err := json.Marshal(Message{Type: MsgSnapshot, Snapshot: &snap}); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writePump()

	h.logger.Debug("event stream client connected", "remote", remote)
	defer func() {
		h.remove(c)
		h.logger.Debug("event stream client disconnected", "remote", remote)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("event stream marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.sendTo(c, data)
	}
}

// sendTo queues data for c, dropping the client if its buffer is full.
func (h *Hub) sendTo(c *client, data []byte) {
	h.mu.RLock()
	_, live := h.clients[c]
	if live {
		select {
		case c.send <- data:
			h.mu.RUnlock()
			return
		default:
		}
	}
	h.mu.RUnlock()

	if live {
		h.logger.Warn("event stream client too slow, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
