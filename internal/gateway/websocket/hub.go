// Package websocket streams engine events to connected clients.
package websocket

import (
	"encoding/json"
	"sync"

	"maestro/pkg/logger"
)

// Event is one engine event pushed to clients.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub maintains the set of active clients and broadcasts events.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	done       chan struct{}
	once       sync.Once
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop the message rather than block.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts down the hub loop.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Broadcast pushes an event to every connected client.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn().Err(err).Str("type", event.Type).Msg("event marshal failed")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Debug().Msg("event queue full, dropping broadcast")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
