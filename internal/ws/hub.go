package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/panel-pipeline/backend/internal/logging"
)

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
)

var ErrTooManyConnections = errors.New("too many websocket connections")

// client is one connected browser. Its id doubles as the session id of the
// jobs it submits.
type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	busy chan struct{}
}

func (c *client) writePump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// tryAcquire marks the client as having a job in flight. It returns false
// if one already is.
func (c *client) tryAcquire() bool {
	select {
	case c.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *client) release() {
	select {
	case <-c.busy:
	default:
	}
}

// Hub routes pipeline events to the client that owns the session. It
// implements pipeline.Emitter.
//
// A client whose queue of sendBuffer events fills up is disconnected, and
// its session with it, so the buffer must cover a stage's output bursts.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	maxConns   int
	sendBuffer int
	logger     *logging.Logger
}

// NewHub creates a Hub. maxConns <= 0 means unlimited; sendBuffer <= 0
// uses a small default.
func NewHub(maxConns, sendBuffer int, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		clients:    make(map[string]*client),
		maxConns:   maxConns,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// AddClient registers conn under a fresh session id and starts its write
// pump.
func (h *Hub) AddClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.sendBuffer),
		busy: make(chan struct{}, 1),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c and stops its write pump. Safe to call more
// than once.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish queues one event for the session's client. Events for sessions
// without a client are dropped. A client that cannot keep up is
// disconnected.
func (h *Hub) Publish(sessionID, event string, payload any) {
	data, err := json.Marshal(Message{Type: event, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal event", "session_id", sessionID, "event", event, "error", err)
		return
	}

	h.mu.RLock()
	c, ok := h.clients[sessionID]
	slow := false
	if ok {
		select {
		case c.send <- data:
		default:
			slow = true
		}
	}
	h.mu.RUnlock()

	if slow {
		h.logger.Warn("ws client too slow, disconnecting", "session_id", sessionID, "send_buffer", h.sendBuffer)
		h.RemoveClient(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
