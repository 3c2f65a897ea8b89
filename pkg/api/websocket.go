package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket message types pushed to /ws/queue subscribers.
const (
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeQueueStatus  = "queue_status"
	MessageTypeBuildUpdate  = "build_update"
)

// WSMessage is the envelope for every message the hub pushes to a client.
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// wsClient is one connected /ws/queue subscriber.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

// Hub fans queue-status snapshots and heartbeats out to every connected
// WebSocket client; no per-build status-transition events are sent. There is a single topic (queue state) so, unlike
// the teacher's per-topic subscription model, every registered client
// receives every broadcast.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan WSMessage
	register   chan *wsClient
	unregister chan *wsClient
	logger     *slog.Logger
	mu         sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub constructs an idle Hub. Call Run to start its event loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logger:     logger,
	}
}

// Run drives the hub's event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*wsClient]bool)
			h.mu.Unlock()
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

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.broadcastSafe(WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()})
		}
	}
}

// broadcastSafe sends without blocking if the hub's loop isn't ready yet.
func (h *Hub) broadcastSafe(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// streamQueueStatus polls the coordinator's queue status on an interval and
// pushes it to every connected client. This is the event source for
// /ws/queue per spec.md's status-stream requirement.
func (s *Server) streamQueueStatus(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.coordinator.QueueStatus()
			s.hub.broadcastSafe(WSMessage{
				Type:      MessageTypeQueueStatus,
				Timestamp: time.Now(),
				Data:      status,
			})
		}
	}
}

// queueWebSocketHandler upgrades the connection and registers it with the hub.
func (s *Server) queueWebSocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan WSMessage, 32),
		hub:  s.hub,
	}
	s.hub.register <- client

	go client.writePump()
	client.readPump()
}

// readPump discards client frames (this stream is push-only) and unregisters
// the client once the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump relays queued messages to the socket until send is closed.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
