package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/logging"
)

// clientBuffer is the number of encoded events queued per WebSocket client.
const clientBuffer = 32

// Hub fans events out to every connected WebSocket client. It implements
// friend.Sink. A client that falls behind by more than clientBuffer events
// is disconnected.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	send chan []byte
	gone chan struct{}
	once sync.Once
}

func (c *hubClient) drop() {
	c.once.Do(func() { close(c.gone) })
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Hub{
		logger:  logging.Component(logger, "events"),
		clients: make(map[*hubClient]struct{}),
	}
}

// Emit encodes ev and queues it for every client. Events emitted while no
// client is connected are discarded.
func (h *Hub) Emit(_ context.Context, ev friend.Event) error {
	data, err := friend.MarshalEvent(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return friend.ErrSinkClosed
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("event client too slow, disconnecting")
			delete(h.clients, c)
			c.drop()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() (*hubClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &hubClient{
		send: make(chan []byte, clientBuffer),
		gone: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.drop()
}

// Close disconnects every client. Later emits return friend.ErrSinkClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.drop()
	}
}
