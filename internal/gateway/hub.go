package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/wire"
)

// Hub owns every WebSocket client and fans notifications out to all of them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *wire.Message

	dispatcher *wire.Dispatcher

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub builds a hub routing client requests through the dispatcher.
func NewHub(dispatcher *wire.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *wire.Message, 256),
		dispatcher: dispatcher,
		log:        log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run is the hub's single mutation loop; it owns the client set until the
// context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("ws client registered", zap.String("clientId", client.ID))
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Register hands a new client to the run loop.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister detaches a client; safe to call from the client's read pump.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Broadcast queues a frame for every connected client. Frames are dropped
// when the hub is saturated; the gateway is observability, not delivery.
func (h *Hub) Broadcast(msg *wire.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("ws broadcast queue full, dropping frame", zap.String("action", msg.Action))
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.Debug("ws client unregistered", zap.String("clientId", client.ID))
	}
}

func (h *Hub) fanOut(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("ws frame marshal failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; the write pump will notice the closed conn.
			h.log.Warn("ws client send buffer full", zap.String("clientId", client.ID))
		}
	}
}
