package server

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans event messages out to every connected websocket client.  A slow
// or dead client is dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn, 8),
	}
}

// Run owns the client set until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: client connected, %d total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Register(c *websocket.Conn) { h.register <- c }

// Unregister never blocks; after shutdown the hub has already closed the
// client, dropping the request is fine.
func (h *Hub) Unregister(c *websocket.Conn) {
	select {
	case h.unregister <- c:
	default:
	}
}

// Broadcast queues a message for every client.  It never blocks the caller;
// when the queue is full the message is dropped, telemetry is best effort.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
