package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"amposlicense/internal/infrastructure"
	"amposlicense/pkg/contracts/domain"
	"amposlicense/pkg/contracts/events"
)

// Hub fans incident events out to connected admin clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	quit    chan struct{}
	running bool
}

// NewHub creates a new Hub; call Start before use
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		quit:       make(chan struct{}),
	}
}

// Start runs the hub loop in the background. Repeated calls are no-ops.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop terminates the hub loop and disconnects all clients
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.quit)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count))
			if data, err := json.Marshal(events.NewMessage(events.MessageTypeConnect, map[string]string{"client_id": c.id})); err == nil {
				c.trySend(data)
			}

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				if !c.trySend(msg) {
					h.logger.Warn("client send buffer full, disconnecting", slog.String("client_id", c.id))
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues raw data for all clients. It drops the message when the
// hub is backed up.
func (h *Hub) Broadcast(data []byte) bool {
	select {
	case h.broadcast <- data:
		return true
	default:
		h.logger.Warn("broadcast queue full, dropping message")
		return false
	}
}

// PublishIncident pushes a stored incident to admin clients
func (h *Hub) PublishIncident(ctx context.Context, incident domain.Incident, suspended bool) {
	msgType := events.MessageTypeIncident
	if suspended {
		msgType = events.MessageTypeLicenseSuspended
	}
	data, err := json.Marshal(events.NewMessage(msgType, events.IncidentEvent{
		Incident:         incident,
		LicenseSuspended: suspended,
	}))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode incident event", slog.String("error", err.Error()))
		return
	}
	h.Broadcast(data)
}
