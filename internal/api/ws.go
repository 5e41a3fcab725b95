package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/session"
)

const (
	eventState   = "state"
	eventCall    = "call"
	eventSession = "session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	// wsSendBuffer bounds per-client queued frames. A slow client gets
	// dropped rather than blocking the broadcast path.
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already gates the endpoint; the control surface is
	// expected to run cross-origin from the console.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stateEvent is one frame on the state stream. Exactly one of the payload
// fields is set, matching Type; the initial frame carries the full state.
type stateEvent struct {
	Type    string            `json:"type"`
	Time    time.Time         `json:"time"`
	State   *stateResponse    `json:"state,omitempty"`
	Call    *call.Snapshot    `json:"call,omitempty"`
	Session *session.Snapshot `json:"session,omitempty"`
}

// wsClient is one connected state-stream subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans state events out to all connected clients.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]struct{})}
}

func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *wsHub) close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcastEvent serializes the event once and queues it to every client.
// Clients whose send buffer is full are disconnected.
func (h *wsHub) broadcastEvent(typ string, ev stateEvent) {
	ev.Type = typ
	ev.Time = time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws: failed to marshal event", "type", typ, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("ws: dropping slow client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// handleWS upgrades the connection and streams state events. The first frame
// is always the full current state so a client never needs a separate fetch.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws: upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	// Queue the initial full-state frame before any broadcast can land.
	st := s.currentState()
	initial, err := json.Marshal(stateEvent{Type: eventState, Time: time.Now(), State: &st})
	if err == nil {
		client.send <- initial
	}

	go client.writePump(s.hub)
	go client.readPump(s.hub)
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (c *wsClient) writePump(hub *wsHub) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				hub.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				hub.remove(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// process pongs and to notice client disconnects promptly.
func (c *wsClient) readPump(hub *wsHub) {
	defer func() {
		hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
