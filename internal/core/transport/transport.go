// Package transport fans lock and motion events out to WebSocket observers.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/trymwestin/lockd/internal/core/state"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subprotocol selects binary protobuf frames instead of JSON text frames.
const Subprotocol = "lockd.pb"

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
	eventBuffer  = 64
)

// StateSource provides the lock state sent to new observers.
type StateSource interface {
	LockState() state.LockState
}

// Message converts an event into the flat wire shape observers expect:
// {"type":"lock_state","isLocked":...,"timestamp":...} or
// {"type":"motion_detected","timestamp":...,"clip":...}.
func Message(evt state.Event) map[string]interface{} {
	msg := map[string]interface{}{"type": string(evt.Type)}
	switch d := evt.Data.(type) {
	case state.LockChanged:
		msg["isLocked"] = d.IsLocked
		msg["timestamp"] = d.Timestamp.Format(time.RFC3339Nano)
	case state.MotionDetected:
		msg["timestamp"] = d.Timestamp.Format(time.RFC3339Nano)
		msg["clip"] = d.Clip
	default:
		msg["timestamp"] = evt.Timestamp.Format(time.RFC3339Nano)
	}
	return msg
}

// LockStateMessage is the message sent to an observer on connect.
func LockStateMessage(st state.LockState) map[string]interface{} {
	return Message(state.Event{
		Type: state.EventLockChanged,
		Data: state.LockChanged{IsLocked: st.IsLocked, Timestamp: st.ChangedAt},
	})
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	id     string
	ws     *websocket.Conn
	binary bool
	mu     sync.Mutex // protects writes
	log    *slog.Logger
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		binary: ws.Subprotocol() == Subprotocol,
	}
	c.log = log.With("conn_id", c.id)
	ws.SetPongHandler(func(appData string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return c
}

// Send encodes msg as JSON text, or as a protobuf Struct for binary clients.
func (c *wsConn) Send(msg map[string]interface{}) error {
	msgType := websocket.TextMessage
	var data []byte
	var err error
	if c.binary {
		msgType = websocket.BinaryMessage
		var st *structpb.Struct
		if st, err = structpb.NewStruct(msg); err == nil {
			data, err = proto.Marshal(st)
		}
	} else {
		data, err = json.Marshal(msg)
	}
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) sendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// --- Hub ---

// Hub upgrades observer connections and forwards every bus event to them.
type Hub struct {
	bus      *state.EventBus
	src      StateSource
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewHub creates a hub. With allowAnyOrigin the Origin header is not checked.
func NewHub(bus *state.EventBus, src StateSource, allowAnyOrigin bool, log *slog.Logger) *Hub {
	h := &Hub{
		bus:   bus,
		src:   src,
		log:   log,
		conns: make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
	}
	if allowAnyOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// ServeHTTP upgrades the request and serves the observer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newWSConn(ws, h.log)

	// subscribe before the snapshot so no change falls between them
	events, unsub := h.bus.Subscribe(eventBuffer)
	h.add(c)
	defer func() {
		unsub()
		h.remove(c)
		c.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	if err := c.Send(LockStateMessage(h.src.LockState())); err != nil {
		c.log.Warn("failed to send initial state", "error", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.writeLoop(c, events, done)

	h.readLoop(c)
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.Close()
	}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	c.log.Info("observer connected", "total", n)
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	c.log.Info("observer disconnected", "total", n)
}

func (h *Hub) readLoop(c *wsConn) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("observer read ended", "error", err)
			}
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType == websocket.TextMessage && string(data) == "ping" {
			if err := c.sendText("pong"); err != nil {
				c.log.Warn("failed to answer ping", "error", err)
				return
			}
		}
	}
}

func (h *Hub) writeLoop(c *wsConn, events <-chan state.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := c.Send(Message(evt)); err != nil {
				c.log.Warn("failed to forward event, dropping observer", "event_type", evt.Type, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.log.Warn("keepalive ping failed", "error", err)
				c.Close()
				return
			}
			c.log.Debug("keepalive ping sent")
		}
	}
}
