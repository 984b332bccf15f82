package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bletracker/go-mqtt-server/internal/metrics"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Send queues a frame for this client only. It reports false when the frame was
// dropped because the client is gone or its buffer is full.
func (c *Client) Send(frame []byte) bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return false
	}
	return c.hub.enqueue(c, frame)
}

// Hub fans frames out to websocket subscribers. Each client has a bounded queue; a
// slow client loses frames instead of stalling the others.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	closed   bool
	onJoin   func(*Client)
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub returns an empty Hub. checkOrigin may be nil to accept any origin.
func NewHub(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// OnJoin sets a callback run once for every newly registered client.
func (h *Hub) OnJoin(fn func(*Client)) {
	h.mu.Lock()
	h.onJoin = fn
	h.mu.Unlock()
}

// Name implements Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements Sink by queueing the full event frame for every client.
func (h *Hub) Deliver(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueue(c, msg.Frame)
	}
	return nil
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	onJoin := h.onJoin
	h.mu.Unlock()

	metrics.AddSubscribers(h.Name(), 1)
	h.logger.Info("subscriber connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	if onJoin != nil {
		onJoin(c)
	}
	go c.readPump()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.AddSubscribers(h.Name(), -1)
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		metrics.IncDroppedFrame(h.Name())
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames and notice
// disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.logger.Info("subscriber disconnected", "remote", c.conn.RemoteAddr().String())
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
