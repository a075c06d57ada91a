package alerts

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one dashboard push frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub broadcasts engine events to websocket dashboard subscribers.
// Publishing never blocks the admission path: a full queue drops the
// frame and the dashboard catches up from the status endpoint.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	queue   chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		queue:   make(chan []byte, 64),
	}
}

// Run drains the queue until ctx is cancelled. Dead connections are
// dropped on write failure.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.queue:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event frame for broadcast.
func (h *Hub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[alerts] hub marshal failed: %v", err)
		return
	}
	select {
	case h.queue <- b:
	default:
		log.Println("[alerts] hub queue full, dropping frame")
	}
}

// Handler upgrades an HTTP request into a hub subscription.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[alerts] ws upgrade failed: %v", err)
			return
		}
		h.mu.Lock()
		h.clients[conn] = true
		h.mu.Unlock()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
