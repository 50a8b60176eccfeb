package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard is served from the same origin or a trusted LAN
	},
}

// Message is the envelope of every frame pushed to browsers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Message types.
const (
	TypeState    = "state"
	TypeMapState = "mapState"
	TypeMap      = "map"
	TypeLogs     = "logs"
	TypeLog      = "log"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans frames out to connected browsers. A browser that cannot keep up
// is disconnected rather than slowing down the others.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Len returns the number of connected browsers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every browser. It never blocks.
func (h *Hub) Broadcast(msg []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow WebSocket client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

// serve upgrades the request, queues the initial frames and pumps until the
// browser goes away. initial runs under the hub lock so no broadcast can
// overtake it.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, initial func() [][]byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	for _, frame := range initial() {
		c.send <- frame
	}
	h.mu.Unlock()

	h.logger.Debug("WebSocket client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)

	// reads only detect the disconnect; browsers send nothing
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
	h.logger.Debug("WebSocket client disconnected", "remote", conn.RemoteAddr().String())
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every browser and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
