package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
)

const (
	// drainTimeout bounds the offline queue lookup after a handshake.
	drainTimeout = 5 * time.Second

	// closeWaitTimeout bounds how long Close waits for connection teardowns.
	closeWaitTimeout = 5 * time.Second
)

// Verifier checks a device's claimed identity.
type Verifier interface {
	Verify(ctx context.Context, deviceID, secret string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, deviceID, secret string) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, deviceID, secret string) (bool, error) {
	return f(ctx, deviceID, secret)
}

// Observer is told when a device's connectivity changes.
// Calls happen on hub goroutines and must not block for long.
type Observer interface {
	DeviceConnected(deviceID string)
	DeviceDisconnected(deviceID string)
}

// OfflineQueue stores commands for devices that were offline when sent.
type OfflineQueue interface {
	DrainQueue(ctx context.Context, deviceID string) ([]device.QueuedCommand, error)
	QueueCommand(ctx context.Context, deviceID string, cmd device.QueuedCommand) error
}

// Logger is the logging interface used by the hub.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) DeviceConnected(string)    {}
func (noopObserver) DeviceDisconnected(string) {}

// Options configures a Hub. Verifier is required.
type Options struct {
	Config    config.HubConfig
	WebSocket config.WebSocketConfig
	Verifier  Verifier
	Observer  Observer
	Queue     OfflineQueue
	Logger    Logger
	Metrics   *Metrics
}

// Hub owns every device connection and the state shared between them.
type Hub struct {
	cfg   config.HubConfig
	wsCfg config.WebSocketConfig

	verifier Verifier
	observer Observer
	queue    OfflineQueue
	logger   Logger
	metrics  *Metrics

	registry *Registry
	acks     *ackTracker
	limiter  *RateLimiter

	nextID atomic.Uint64
	closed atomic.Bool

	mu    sync.Mutex
	conns map[uint64]*Conn

	// live counts connections whose teardown has not finished.
	live sync.WaitGroup
}

// New creates a Hub.
func New(opts Options) (*Hub, error) {
	if opts.Verifier == nil {
		return nil, errors.New("hub: verifier is required")
	}
	cfg := opts.Config
	if cfg.MaxFrameBytes <= 0 {
		return nil, fmt.Errorf("hub: max frame bytes must be positive, got %d", cfg.MaxFrameBytes)
	}
	if cfg.AuthTimeout <= 0 {
		return nil, fmt.Errorf("hub: auth timeout must be positive, got %s", cfg.AuthTimeout)
	}
	if cfg.PreAuthQueueSize <= 0 {
		return nil, fmt.Errorf("hub: pre-auth queue size must be positive, got %d", cfg.PreAuthQueueSize)
	}
	if cfg.SendBufferSize <= 0 {
		return nil, fmt.Errorf("hub: send buffer size must be positive, got %d", cfg.SendBufferSize)
	}

	h := &Hub{
		cfg:      cfg,
		wsCfg:    opts.WebSocket,
		verifier: opts.Verifier,
		observer: opts.Observer,
		queue:    opts.Queue,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		registry: NewRegistry(),
		acks:     newAckTracker(opts.Metrics),
		limiter:  NewRateLimiter(cfg.RateLimit.Messages, cfg.RateLimit.Window),
		conns:    make(map[uint64]*Conn),
	}
	if h.observer == nil {
		h.observer = noopObserver{}
	}
	if h.logger == nil {
		h.logger = noopLogger{}
	}
	return h, nil
}

// Attach takes ownership of an upgraded WebSocket and starts its pumps.
func (h *Hub) Attach(ws *websocket.Conn, remoteAddr string) *Conn {
	c := newConn(h, h.nextID.Add(1), ws, remoteAddr)

	// Checked under h.mu so Close never waits on a connection it did not see.
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		c.closeWith(CloseGoingAway, "server shutting down", nil)
		return c
	}
	h.conns[c.id] = c
	h.live.Add(1)
	h.mu.Unlock()

	c.mu.Lock()
	c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, c.authExpired)
	c.mu.Unlock()

	h.logger.Debug("device connection accepted", "conn", c.id, "remote", remoteAddr)

	go c.writePump()
	go c.readPump()
	return c
}

// Close terminates every connection with going-away and fails every
// pending ack with ErrSocketClosed. It returns once every connection has
// been torn down and reported to the Observer, or after closeWaitTimeout.
// It is safe to call more than once.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.failLocked(CloseGoingAway, "server shutting down", nil)
		c.mu.Unlock()
	}

	n := h.acks.RejectAll(ErrSocketClosed)

	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeWaitTimeout):
		h.logger.Warn("timed out waiting for device connections to close")
	}

	h.logger.Info("device hub closed", "connections", len(conns), "rejected_acks", n)
}

// teardown releases everything a connection held. It runs once, when the
// read pump exits.
func (h *Hub) teardown(c *Conn) {
	defer h.live.Done()

	c.closeWith(CloseGoingAway, "connection closed", nil)

	c.mu.Lock()
	wasAuthenticated := c.state == StateAuthenticated
	if !wasAuthenticated {
		c.state = StateFailed
	}
	c.stopHandshake()
	c.queue = nil
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	if n := h.acks.RejectConn(c.id, ErrSocketClosed); n > 0 {
		h.logger.Debug("rejected pending acks", "conn", c.id, "device_id", c.DeviceID(), "count", n)
	}

	if !wasAuthenticated || !h.registry.Unregister(c) {
		return
	}

	deviceID := c.DeviceID()
	h.limiter.Forget(deviceID)
	h.metrics.decConnected()
	h.logger.Info("device disconnected", "device_id", deviceID, "conn", c.id)
	h.observer.DeviceDisconnected(deviceID)
}

// evict closes a connection displaced by a newer one for the same device.
func (h *Hub) evict(old *Conn) {
	old.closeWith(ClosePolicyViolation, "replaced by newer connection", nil)
	n := h.acks.RejectConn(old.id, ErrSocketClosed)
	h.logger.Info("replaced device connection",
		"device_id", old.DeviceID(), "old_conn", old.id, "rejected_acks", n)
}

// drainOffline delivers commands queued while the device was offline.
// Commands that cannot be sent go back on the queue.
func (h *Hub) drainOffline(c *Conn, deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	cmds, err := h.queue.DrainQueue(ctx, deviceID)
	if err != nil {
		h.logger.Error("draining offline queue", "device_id", deviceID, "error", err)
		return
	}
	if len(cmds) == 0 {
		return
	}

	sent := 0
	for i, cmd := range cmds {
		if c.sendFrame(commandFrame("", cmd.Type, cmd.Payload)) {
			sent++
			h.metrics.command("offline", "sent")
			continue
		}
		for _, rest := range cmds[i:] {
			if err := h.queue.QueueCommand(ctx, deviceID, rest); err != nil {
				h.logger.Error("requeueing offline command", "device_id", deviceID, "error", err)
			}
		}
		break
	}
	h.logger.Info("delivered offline commands", "device_id", deviceID, "sent", sent, "queued", len(cmds))
}

// keepalive returns the ping interval and pong wait for the pumps.
func (h *Hub) keepalive() (time.Duration, time.Duration) {
	ping := time.Duration(h.wsCfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong := time.Duration(h.wsCfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, pong
}

// IsConnected reports whether deviceID has an open, authenticated connection.
func (h *Hub) IsConnected(deviceID string) bool {
	return h.registry.IsConnected(deviceID)
}

// ConnectedDevices returns the sorted IDs of connected devices.
func (h *Hub) ConnectedDevices() []string {
	return h.registry.DeviceIDs()
}

// PendingAcks returns the number of commands awaiting an ack.
func (h *Hub) PendingAcks() int {
	return h.acks.Len()
}

// RateLimitWindows returns the number of devices with a live rate window.
func (h *Hub) RateLimitWindows() int {
	return h.limiter.Len()
}
