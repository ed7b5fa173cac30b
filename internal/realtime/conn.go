package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"driving-school-jobs/internal/auth"
)

// State is the lifecycle position of one realtime connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one upgraded client. Only the writer goroutine writes to ws after the handshake.
type Conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	// principal is stored once the handshake succeeds. Broadcasts may read it earlier.
	principal atomic.Pointer[auth.Principal]
	// rooms is guarded by hub.mu.
	rooms map[string]struct{}
}

func newConn(h *Hub, ws *websocket.Conn, id string, buffer int) *Conn {
	return &Conn{
		id:    id,
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Principal is the authenticated caller, zero until the handshake succeeds.
func (c *Conn) Principal() auth.Principal {
	if p := c.principal.Load(); p != nil {
		return *p
	}
	return auth.Principal{}
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// enqueue queues a frame without blocking. It returns false when the buffer is full
// or the connection is already closed.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueWait blocks until the writer has room, the connection closes or ctx ends.
func (c *Conn) enqueueWait(ctx context.Context, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// close is idempotent and must not be called with hub.mu held.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		c.hub.remove(c)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.close()
	pongWait := c.hub.cfg.PingPeriod * 10 / 9
	c.ws.SetReadLimit(maxClientFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleClientFrame(c, data)
	}
}
