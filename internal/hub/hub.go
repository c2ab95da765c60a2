package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event types published by the connection graph.
const (
	EventConnectionRequested = "connection.requested"
	EventConnectionAccepted  = "connection.accepted"
	EventConnectionRejected  = "connection.rejected"
)

// Event represents a real-time event to be sent to clients.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client represents a single open stream for a user.
// It's essentially a channel that the SSE handler will listen to.
type Client chan []byte

// Hub manages the open streams of every connected user.
type Hub struct {
	users map[string]map[Client]bool
	mu    sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[Client]bool),
	}
}

// Subscribe registers a new stream for userID and returns it.
func (h *Hub) Subscribe(userID string) Client {
	client := make(Client, 16)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[Client]bool)
	}
	h.users[userID][client] = true
	return client
}

// Unsubscribe removes a stream and closes it.
func (h *Hub) Unsubscribe(userID string, client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.users[userID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client) // Close the channel to signal the SSE handler to stop.
			if len(clients) == 0 {
				delete(h.users, userID)
			}
		}
	}
}

// Publish sends an event to every open stream of userID.
func (h *Hub) Publish(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.users[userID]
	if !ok {
		return
	}

	messageBytes, err := json.Marshal(event)
	if err != nil {
		slog.Warn("hub: dropping unencodable event", "type", event.Type, "error", err)
		return
	}

	for client := range clients {
		// Use a non-blocking send to prevent a slow client from blocking the hub.
		select {
		case client <- messageBytes:
		default:
		}
	}
}

// Subscribers reports how many streams are open for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
