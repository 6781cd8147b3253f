// Package ws streams coordinator events to connected frontends over
// WebSocket: terminal output, session lifecycle, and user notifications.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenide/backend/internal/infrastructure/logging"
	"github.com/lumenide/backend/internal/infrastructure/monitoring"
)

const (
	writeWait      = 10 * time.Second
	clientBufferSz = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The control API binds to loopback; frontends connect from
		// app-local origins that carry no stable Origin header.
		return true
	},
}

// Frame is one outbound event.
type Frame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ActionHandler receives frontend action messages ("notification.action").
type ActionHandler func(id uint64, action string)

// Hub fans coordinator events out to every connected frontend.
type Hub struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	clients  map[*client]struct{}
	onAction ActionHandler
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		logger:  logger.Named("ws"),
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// OnAction registers the handler for frontend action messages.
func (h *Hub) OnAction(fn ActionHandler) {
	h.mu.Lock()
	h.onAction = fn
	h.mu.Unlock()
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, clientBufferSz)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(count))
	}

	h.enqueue(cl, Frame{Type: "system", Payload: gin.H{"message": "connected"}, Timestamp: time.Now().Unix()})

	go h.writePump(cl)
	h.readPump(cl)
}

// Broadcast sends one typed frame to every connected client. Slow clients
// get the frame dropped rather than stalling the rest.
func (h *Hub) Broadcast(frameType string, payload any) {
	frame := Frame{Type: frameType, Payload: payload, Timestamp: time.Now().Unix()}
	data, err := sonic.Marshal(frame)
	if err != nil {
		h.logger.Warn("frame marshal failed", zap.String("type", frameType), zap.Error(err))
		return
	}

	h.mu.Lock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			h.logger.Debug("dropping frame for slow client", zap.String("type", frameType))
		}
	}
	h.mu.Unlock()
}

func (h *Hub) enqueue(cl *client, frame Frame) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}

func (h *Hub) writePump(cl *client) {
	for data := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	_ = cl.conn.Close()
}

func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type   string `json:"type"`
			ID     uint64 `json:"id"`
			Action string `json:"action"`
		}
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("unreadable client message dropped", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "ping":
			h.enqueue(cl, Frame{Type: "pong", Timestamp: time.Now().Unix()})
		case "notification.action":
			h.mu.Lock()
			fn := h.onAction
			h.mu.Unlock()
			if fn != nil {
				fn(msg.ID, msg.Action)
			}
		default:
			h.logger.Debug("unknown client message type", zap.String("type", msg.Type))
		}
	}
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(count))
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		_ = cl.conn.Close()
	}
}
