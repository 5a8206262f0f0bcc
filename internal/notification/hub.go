package notification

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Hub broadcasts events as JSON text frames to every connected websocket client.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, buffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run delivers queued messages until ctx is cancelled, then closes all clients.
// Register and Unregister stop blocking once Run has returned.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Websocket client connected. Total: %d", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Websocket client disconnected. Total: %d", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("Error sending to websocket client: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			log.Println("Websocket hub shutting down")
			return
		}
	}
}

// Register adds a client. It blocks until the hub loop accepts it or ctx ends.
func (h *Hub) Register(ctx context.Context, client *websocket.Conn) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	case <-ctx.Done():
		client.Close()
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(ctx context.Context, client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	case <-ctx.Done():
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues ev for broadcast. A full queue drops the event.
func (h *Hub) Notify(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Error encoding event %s: %v", ev.Kind, err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Printf("Websocket broadcast queue full, dropping %s event for spot %d", ev.Kind, ev.SpotID)
	}
}
