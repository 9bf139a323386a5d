package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// AuthState is the handshake state of a connection.
type AuthState int

// Handshake states. Transitions only move forward; Failed is terminal.
const (
	StatePending AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// writeWait bounds a single frame write, including close frames.
	writeWait = 10 * time.Second

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// Conn is one device WebSocket connection.
type Conn struct {
	id         uint64
	hub        *Hub
	ws         *websocket.Conn
	remoteAddr string
	createdAt  time.Time

	send chan []byte
	done chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex

	deviceID atomic.Pointer[string]

	// mu serialises frame processing and guards the handshake fields below.
	mu           sync.Mutex
	state        AuthState
	queue        []*Frame
	authTimer    *time.Timer
	verifyCancel context.CancelFunc
}

func newConn(h *Hub, id uint64, ws *websocket.Conn, remoteAddr string) *Conn {
	c := &Conn{
		id:         id,
		hub:        h,
		ws:         ws,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		send:       make(chan []byte, h.cfg.SendBufferSize),
		done:       make(chan struct{}),
		state:      StatePending,
	}
	c.open.Store(true)
	return c
}

// ID returns the hub-local connection number.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address captured at upgrade.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// CreatedAt returns when the connection was accepted.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// DeviceID returns the authenticated device ID, or "" before authentication.
func (c *Conn) DeviceID() string {
	if p := c.deviceID.Load(); p != nil {
		return *p
	}
	return ""
}

// State returns the current handshake state.
func (c *Conn) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the transport is still usable.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// trySend queues data for the write pump without blocking.
// It returns false if the connection is closed or its buffer is full.
func (c *Conn) trySend(data []byte) bool {
	if !c.open.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// sendFrame encodes f and queues it.
func (c *Conn) sendFrame(f *Frame) bool {
	data, err := encodeFrame(f)
	if err != nil {
		c.hub.logger.Error("encoding outbound frame", "conn", c.id, "kind", string(f.Kind), "error", err)
		return false
	}
	return c.trySend(data)
}

// closeWith closes the connection with code and reason. If final is
// non-nil it is written just before the close frame. Only the first call
// has any effect.
func (c *Conn) closeWith(code CloseCode, reason string, final *Frame) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)

		var finalData []byte
		if final != nil {
			finalData, _ = encodeFrame(final) //nolint:errcheck // error frames always encode
		}

		c.writeMu.Lock()
		if finalData != nil {
			//nolint:errcheck // Best-effort; the connection is going away
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			//nolint:errcheck // Best-effort; the connection is going away
			c.ws.WriteMessage(websocket.TextMessage, finalData)
		}
		//nolint:errcheck // Best-effort close frame
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), truncate(reason, 120)),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		c.ws.Close()

		c.hub.logger.Debug("connection closed",
			"conn", c.id,
			"device_id", c.DeviceID(),
			"code", int(code),
			"reason", reason,
		)
	})
}

// readPump reads frames until the transport fails, then tears down.
func (c *Conn) readPump() {
	defer c.hub.teardown(c)

	pingInterval, pongWait := c.hub.keepalive()

	c.ws.SetReadLimit(int64(c.hub.cfg.MaxFrameBytes))
	//nolint:errcheck // Best-effort deadline; read error caught below
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla has already sent 1009.
				c.hub.metrics.protocolError("too_large")
				c.closeWith(CloseMessageTooLarge, "frame too large", nil)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("device read error", "conn", c.id, "device_id", c.DeviceID(), "error", err)
			}
			return
		}

		//nolint:errcheck // Best-effort deadline; read error caught above
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// writePump drains the send buffer and sends keepalive pings.
func (c *Conn) writePump() {
	pingInterval, _ := c.hub.keepalive()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.closeWith(CloseGoingAway, "write failed", nil)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeWith(CloseGoingAway, "ping failed", nil)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.open.Load() {
		return websocket.ErrCloseSent
	}
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msgType, data)
}
