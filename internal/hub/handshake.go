package hub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// handleFrame processes one inbound frame. Frames on a connection are
// handled one at a time under c.mu.
func (c *Conn) handleFrame(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePending, StateAuthenticating:
		c.handlePreAuth(data)
	case StateAuthenticated:
		f, err := DecodeFrame(data, c.hub.cfg.MaxFrameBytes)
		c.handleAuthenticated(f, err)
	}
}

func (c *Conn) handlePreAuth(data []byte) {
	f, err := DecodeFrame(data, c.hub.cfg.MaxFrameBytes)
	if err != nil {
		c.hub.metrics.protocolError(protocolReason(err))
		c.hub.metrics.handshake("invalid")
		c.hub.logger.Warn("invalid frame before authentication",
			"conn", c.id, "remote", c.remoteAddr, "error", err)
		if errors.Is(err, ErrFrameTooLarge) {
			c.failLocked(CloseMessageTooLarge, "frame too large", nil)
			return
		}
		c.failLocked(CloseInvalidFormat, "invalid frame", errorFrame("invalid frame", err.Error()))
		return
	}

	if f.Kind != KindHello {
		if len(c.queue) >= c.hub.cfg.PreAuthQueueSize {
			c.hub.metrics.handshake("queue_overflow")
			c.hub.logger.Warn("pre-auth queue overflow", "conn", c.id, "remote", c.remoteAddr)
			c.failLocked(ClosePolicyViolation, "too many frames before authentication", nil)
			return
		}
		c.queue = append(c.queue, f)
		return
	}

	if c.state == StateAuthenticating {
		c.hub.metrics.handshake("duplicate_hello")
		c.hub.logger.Warn("duplicate hello", "conn", c.id, "device_id", f.DeviceID)
		c.failLocked(ClosePolicyViolation, "duplicate hello", nil)
		return
	}

	c.beginAuth(f.DeviceID, f.Secret)
}

// beginAuth moves to authenticating and verifies in the background.
func (c *Conn) beginAuth(deviceID, secret string) {
	c.state = StateAuthenticating

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.AuthTimeout)
	c.verifyCancel = cancel

	go c.verify(ctx, deviceID, secret)
}

func (c *Conn) verify(ctx context.Context, deviceID, secret string) {
	ok, err := c.hub.verifier.Verify(ctx, deviceID, secret)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticating {
		// Deadline or teardown got here first.
		return
	}

	switch {
	case err != nil:
		c.hub.metrics.handshake("error")
		c.hub.logger.Error("device verification failed",
			"conn", c.id, "device_id", deviceID, "error", fmt.Errorf("%w: %w", ErrVerifyFailed, err))
		c.failLocked(CloseAuthError, "authentication error", nil)
	case !ok:
		c.hub.metrics.handshake("unauthorized")
		c.hub.logger.Warn("device rejected",
			"conn", c.id, "device_id", deviceID, "remote", c.remoteAddr, "error", ErrUnauthorized)
		c.failLocked(CloseUnauthorized, "unauthorized", nil)
	case !c.open.Load():
		c.state = StateFailed
	default:
		c.completeAuth(deviceID)
	}
}

// completeAuth registers the connection, acknowledges the hello and replays
// any frames that arrived during the handshake. Caller holds c.mu.
func (c *Conn) completeAuth(deviceID string) {
	c.stopHandshake()
	c.state = StateAuthenticated
	c.deviceID.Store(&deviceID)

	h := c.hub
	if replaced := h.registry.Register(deviceID, c); replaced != nil {
		h.evict(replaced)
		// A new session starts with an empty window.
		h.limiter.Forget(deviceID)
	} else {
		h.metrics.incConnected()
	}
	h.metrics.handshake("ok")
	h.logger.Info("device connected", "device_id", deviceID, "conn", c.id, "remote", c.remoteAddr)
	h.observer.DeviceConnected(deviceID)

	c.sendFrame(helloAckFrame(time.Now()))

	queued := c.queue
	c.queue = nil
	for _, f := range queued {
		if !c.open.Load() {
			break
		}
		c.handleAuthenticated(f, nil)
	}

	if h.queue != nil && c.open.Load() {
		go h.drainOffline(c, deviceID)
	}
}

// handleAuthenticated runs one decoded frame through the post-auth path.
// Caller holds c.mu.
func (c *Conn) handleAuthenticated(f *Frame, decodeErr error) {
	h := c.hub
	deviceID := c.DeviceID()

	if errors.Is(decodeErr, ErrFrameTooLarge) {
		h.metrics.protocolError("too_large")
		c.closeWith(CloseMessageTooLarge, "frame too large", nil)
		return
	}

	if !h.limiter.Allow(deviceID, time.Now()) {
		h.metrics.rateLimitHit()
		h.logger.Warn("device rate limited", "device_id", deviceID, "conn", c.id, "error", ErrRateLimited)
		c.closeWith(ClosePolicyViolation, "rate limit exceeded", nil)
		return
	}

	if decodeErr != nil {
		h.metrics.protocolError(protocolReason(decodeErr))
		h.logger.Warn("dropping invalid frame", "device_id", deviceID, "error", decodeErr)
		c.sendFrame(errorFrame("invalid frame", decodeErr.Error()))
		return
	}

	h.metrics.frameReceived(f.Kind)

	switch f.Kind {
	case KindHello:
		h.logger.Warn("hello after authentication", "device_id", deviceID)
		c.closeWith(ClosePolicyViolation, "already authenticated", nil)
	case KindAck:
		ack := Ack{Status: f.Status, Info: f.Info}
		if !h.acks.Resolve(f.ID, deviceID, ack) {
			h.logger.Debug("unmatched ack", "device_id", deviceID, "id", f.ID)
		}
	case KindPing:
		c.sendFrame(pongFrame(f.T, time.Now()))
	case KindPong:
	case KindError:
		h.logger.Warn("device reported error", "device_id", deviceID, "message", f.Message)
	default:
		h.logger.Debug("ignoring server-bound kind from device", "device_id", deviceID, "kind", string(f.Kind))
	}
}

// authExpired fires when the handshake deadline passes.
func (c *Conn) authExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePending && c.state != StateAuthenticating {
		return
	}
	c.hub.metrics.handshake("timeout")
	c.hub.logger.Warn("authentication timed out", "conn", c.id, "remote", c.remoteAddr, "error", ErrAuthTimeout)
	c.failLocked(CloseAuthTimeout, "authentication timeout", nil)
}

// failLocked marks a handshake failure and closes. Caller holds c.mu.
func (c *Conn) failLocked(code CloseCode, reason string, final *Frame) {
	if c.state != StateAuthenticated {
		c.state = StateFailed
	}
	c.stopHandshake()
	c.queue = nil
	c.closeWith(code, reason, final)
}

// stopHandshake disarms the deadline and cancels any running verification.
func (c *Conn) stopHandshake() {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if c.verifyCancel != nil {
		c.verifyCancel()
		c.verifyCancel = nil
	}
}
