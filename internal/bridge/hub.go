package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubSendBuffer   = 64
	hubWriteTimeout = 10 * time.Second
	hubPingInterval = 20 * time.Second
	hubPongWait     = 60 * time.Second
)

// ErrHubClosed is returned by Gateway calls after Close.
var ErrHubClosed = errors.New("hub closed")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Message is one frame sent to the hosted web content.
type Message struct {
	Type   string          `json:"type"`             // "script" | "event"
	Script string          `json:"script,omitempty"` // type script
	Name   string          `json:"name,omitempty"`   // type event
	Detail json.RawMessage `json:"detail,omitempty"` // type event
}

type hubClient struct {
	send chan []byte
}

// Hub is a Gateway that fans scripts and module events out to every
// WebSocket client. Slow clients miss messages rather than stall the session.
type Hub struct {
	log     *zap.Logger
	initial func() string

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

var _ Gateway = (*Hub)(nil)

// NewHub creates a hub. initial, if non-nil, returns a script sent to every
// new client before anything else (the current state).
func NewHub(log *zap.Logger, initial func() string) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log.With(zap.String("component", "hub")),
		initial: initial,
		clients: make(map[*hubClient]struct{}),
	}
}

// SetInitial replaces the script sent to new clients.
func (h *Hub) SetInitial(initial func() string) {
	h.mu.Lock()
	h.initial = initial
	h.mu.Unlock()
}

// EvaluateScript implements Gateway.
func (h *Hub) EvaluateScript(script string) error {
	return h.broadcast(Message{Type: "script", Script: script})
}

// PushModuleEvent implements Gateway. detail must be valid JSON.
func (h *Hub) PushModuleEvent(name, detail string) error {
	if !json.Valid([]byte(detail)) {
		return fmt.Errorf("event %s: detail is not valid JSON", name)
	}
	return h.broadcast(Message{Type: "event", Name: name, Detail: json.RawMessage(detail)})
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Debug("slow client, message dropped")
		}
	}
	return nil
}

func (h *Hub) register() (*hubClient, error) {
	c := &hubClient{send: make(chan []byte, hubSendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if h.initial != nil {
		if b, err := json.Marshal(Message{Type: "script", Script: h.initial()}); err == nil {
			c.send <- b
		}
	}
	h.clients[c] = struct{}{}
	return c, nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams messages until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	c, err := h.register()
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		return
	}
	defer h.unregister(c)
	h.log.Debug("client connected", zap.String("remote", r.RemoteAddr))

	// The web content never sends anything we act on; reading keeps
	// control frames flowing and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(hubPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(hubPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingInterval)
	defer ping.Stop()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			h.log.Debug("client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
