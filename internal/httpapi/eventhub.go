package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// JobEvent is one line of the /public/jobs/stream feed: a lifecycle
// transition, observational only, carrying no control authority.
type JobEvent struct {
	RequestID int64  `json:"request_id"`
	State     string `json:"state"`
}

// eventHub fans JobEvents out to every connected /public/jobs/stream
// websocket client, generalized from the teacher's per-board Hub
// (clients map[int]map[*Client]bool keyed by board) into a single flat
// client set, since job events have no board-equivalent partition.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: map[*websocket.Conn]bool{}}
}

func (h *eventHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *eventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// publish fans evt out to every connected client; a client whose write
// fails (slow consumer, closed socket) is dropped rather than retried.
func (h *eventHub) publish(evt JobEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.mu.RLock()
	dead := make([]*websocket.Conn, 0)
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range dead {
		h.unregister(conn)
	}
}
