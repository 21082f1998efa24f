// Package websocket pushes event-plane notifications to WebSocket
// subscribers and serves the small request surface of the gateway
// (health check, topic subscriptions).
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/logger"
	ws "github.com/devos-ai/devos/pkg/websocket"
)

// OutputBacklogProvider returns the buffered output lines for a session so
// they can be replayed to a client that subscribes mid-run.
type OutputBacklogProvider func(ctx context.Context, sessionID string) ([]string, error)

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific topics
	topicSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications to every client
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	// Optional backlog replay on session-topic subscription
	backlogProvider OutputBacklogProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *ws.Message, 256),
		dispatcher:       dispatcher,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topicSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		// Remove from all topic subscriptions
		for topic := range client.subscriptions {
			if clients, ok := h.topicSubscribers[topic]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.topicSubscribers, topic)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to all connected clients
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastTopic sends a notification to clients subscribed to a topic.
// Slow clients are skipped rather than blocking the event plane.
func (h *Hub) BroadcastTopic(topic string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.topicSubscribers[topic]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeTopic subscribes a client to a topic
func (h *Hub) SubscribeTopic(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubscribers[topic]; !ok {
		h.topicSubscribers[topic] = make(map[*Client]bool)
	}
	h.topicSubscribers[topic][client] = true
	client.subscriptions[topic] = true

	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// UnsubscribeTopic unsubscribes a client from a topic
func (h *Hub) UnsubscribeTopic(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, topic)
	if clients, ok := h.topicSubscribers[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, topic)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetOutputBacklogProvider sets the provider used to replay buffered output
// lines when a client subscribes to a session topic.
func (h *Hub) SetOutputBacklogProvider(provider OutputBacklogProvider) {
	h.backlogProvider = provider
}

// OutputBacklog retrieves the buffered output for a session if a provider is set
func (h *Hub) OutputBacklog(ctx context.Context, sessionID string) ([]string, error) {
	if h.backlogProvider == nil {
		return nil, nil
	}
	return h.backlogProvider(ctx, sessionID)
}
