// Package viewer streams delivered messages to local WebSocket observers.
package viewer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/whisper/internal/ratelimit"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

// Event is the JSON frame pushed to observers.
type Event struct {
	Type    string      `json:"type"` // "message", "pong", "error"
	Payload interface{} `json:"payload"`
}

// clientMessage is what an observer may send: only "ping" is understood.
type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected observer. Slow observers are
// disconnected rather than allowed to block delivery.
type Hub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Broadcast sends an event to all observers.
func (h *Hub) Broadcast(typ string, payload interface{}) {
	data, err := json.Marshal(Event{Type: typ, Payload: payload})
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("observer too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams events until
// the observer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()
	h.readLoop(c)
	h.remove(c)
	<-done
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("websocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) readLoop(c *client) {
	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			h.reply(c, Event{Type: "error", Payload: map[string]string{"error": "rate limit exceeded"}})
			continue
		}
		switch msg.Type {
		case "ping":
			h.reply(c, Event{Type: "pong", Payload: map[string]string{"status": "ok"}})
		default:
			h.reply(c, Event{Type: "error", Payload: map[string]string{"error": "unknown message type: " + msg.Type}})
		}
	}
}

func (h *Hub) reply(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		select {
		case c.send <- data:
		default:
		}
	}
}
