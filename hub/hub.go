// Package hub tracks live websocket connections and serializes writes
// to them (gorilla allows a single concurrent writer per connection).
package hub

import (
	"encoding/json"
	"sync"

	"etserver/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// socket is the slice of *websocket.Conn the hub needs. Tests plug in
// recorders.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live connection.
type Client struct {
	ID   string
	sock socket

	mu sync.Mutex
}

func NewClient(sock socket) *Client {
	return &Client{ID: uuid.NewString(), sock: sock}
}

// Send pushes one JSON frame to the client.
func (c *Client) Send(msg models.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// SendError pushes an error-topic frame; the send failure itself is
// only logged, the connection teardown path handles the rest.
func (c *Client) SendError(reason string, logger *zap.Logger) {
	logger.Warn("pushing error to client", zap.String("connId", c.ID), zap.String("reason", reason))
	if err := c.Send(models.ServerMessage{Topic: "error", Params: map[string]string{"error": reason}}); err != nil {
		logger.Error("failed to push error to client", zap.String("connId", c.ID), zap.Error(err))
	}
}

// Ping sends a websocket ping frame, sharing the write lock with Send.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.sock.Close()
}

// Hub is the process-scoped connection registry.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Add registers a connection and returns its client wrapper.
func (h *Hub) Add(sock socket) *Client {
	c := NewClient(sock)
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

// Get returns the client for a connection id, or nil.
func (h *Hub) Get(connID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

// Remove forgets a connection.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	delete(h.clients, connID)
	h.mu.Unlock()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
