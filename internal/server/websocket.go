package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// WebSocket message types. The first three mirror orchestrator channels.
const (
	MessageTypeDataUpdate       = string(orchestrator.ChannelDataUpdate)
	MessageTypeConnectionStatus = string(orchestrator.ChannelConnectionStatus)
	MessageTypeError            = string(orchestrator.ChannelError)
	MessageTypeHeartbeat        = "heartbeat"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	clientBuffer   = 64
)

// WSMessage is one event pushed to dashboard clients.
type WSMessage struct {
	Type      string                         `json:"type"`
	Snapshot  *types.DashboardSnapshot       `json:"snapshot,omitempty"`
	Status    *orchestrator.ConnectionStatus `json:"status,omitempty"`
	Error     *WSError                       `json:"error,omitempty"`
	Timestamp time.Time                      `json:"timestamp"`
}

// WSError describes a failed operation.
type WSError struct {
	Op        string `json:"op"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Recovered bool   `json:"recovered"`
}

// newUpgrader returns an upgrader that only accepts the given origins.
// Requests without an Origin header come from non-browser clients and are
// accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	anyOrigin := allowsAnyOrigin(allowed)
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || anyOrigin {
				return true
			}
			for _, o := range allowed {
				if strings.EqualFold(strings.TrimSpace(o), origin) {
					return true
				}
			}
			return false
		},
	}
}

// Client is one event stream connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans orchestrator events out to every connected client.
type Hub struct {
	logger    *zap.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	// initial returns the messages a new client receives before any event.
	initial func() []*WSMessage

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. Call Run to start it.
func NewHub(ctx context.Context, logger *zap.Logger, heartbeat time.Duration, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		logger:     logger,
		heartbeat:  heartbeat,
		upgrader:   newUpgrader(allowedOrigins),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until the hub is stopped.
func (h *Hub) Run() {
	defer h.closeAll()
	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.logger.Debug("event stream client connected", zap.String("client", c.id))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("event stream client too slow, disconnecting", zap.String("client", c.id))
					close(c.send)
					delete(h.clients, c)
					metrics.WebSocketConnections.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.WebSocketConnections.Dec()
		h.logger.Debug("event stream client disconnected", zap.String("client", c.id))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
		metrics.WebSocketConnections.Dec()
	}
}

// Stop stops the hub and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for every client. It never blocks, so it can be
// registered directly as an orchestrator listener.
func (h *Hub) Publish(ev orchestrator.Event) {
	msg := eventMessage(ev)
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("event stream backlog full, dropping event", zap.String("type", msg.Type))
	}
}

func eventMessage(ev orchestrator.Event) *WSMessage {
	msg := &WSMessage{Type: string(ev.Channel), Timestamp: ev.Timestamp}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	switch ev.Channel {
	case orchestrator.ChannelDataUpdate:
		if ev.Snapshot == nil {
			return nil
		}
		msg.Snapshot = ev.Snapshot
	case orchestrator.ChannelConnectionStatus:
		if ev.Status == nil {
			return nil
		}
		msg.Status = ev.Status
	case orchestrator.ChannelError:
		if ev.Error == nil {
			return nil
		}
		msg.Error = &WSError{
			Op:        ev.Error.Op,
			Code:      orchestrator.ErrorCode(ev.Error.Err),
			Recovered: ev.Error.Recovered,
		}
		if ev.Error.Err != nil {
			msg.Error.Message = ev.Error.Err.Error()
		}
	default:
		return nil
	}
	return msg
}

// ServeWS upgrades the request and streams events to the client until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	if h.initial != nil {
		for _, msg := range h.initial() {
			if data, err := json.Marshal(msg); err == nil {
				c.send <- data
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards client input and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	pongWait := c.hub.heartbeat + writeWait
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("event stream read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump sends queued messages and periodic heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := c.conn.WriteJSON(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}
