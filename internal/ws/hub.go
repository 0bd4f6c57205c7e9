package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/codepad/internal/room"
)

// Config tunes per-session limits
type Config struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:        256,
		MaxMessageBytes:   1024 * 1024,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

// The set of connected sessions. Room state lives in the registry; the hub
// only owns session lifetime and tears sessions down on disconnect.
type Hub struct {
	// Connected sessions
	clients map[*Client]bool

	registry *room.Registry
	config   Config
	log      *slog.Logger

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	done chan struct{}
	mu   sync.RWMutex
}

func NewHub(registry *room.Registry, log *slog.Logger, config Config) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		registry:   registry,
		config:     config,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes session registration until ctx is canceled, then closes
// every remaining connection
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			client.setState(StateConnected)

			h.log.Debug("Client connected", "session", client.id, "remote", client.remote, "total", total)

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.Unlock()
			for _, client := range clients {
				h.remove(client)
			}
			h.log.Info("Hub stopped", "closed", len(clients))
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if !ok {
		return
	}

	// leave the room before closing send so no broadcast targets a closed channel
	h.registry.Disconnect(client)
	client.closeSend()
	client.setState(StateDisconnected)

	h.log.Debug("Client disconnected", "session", client.id)
}

// Registry exposes the room registry the hub dispatches to
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetRoomCount() int {
	return h.registry.RoomCount()
}

// GetActiveRooms maps every live room to its member count
func (h *Hub) GetActiveRooms() map[string]int {
	rooms := h.registry.Rooms()
	result := make(map[string]int, len(rooms))
	for _, info := range rooms {
		result[info.ID] = info.Members
	}
	return result
}
