package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendFireAndForget sends a command without waiting for an ack.
// It reports whether the frame was queued for writing.
func (h *Hub) SendFireAndForget(deviceID, cmdType string, payload any) bool {
	c := h.registry.Get(deviceID)
	if c == nil {
		h.metrics.command("fire", "not_connected")
		return false
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		h.logger.Error("encoding command payload", "device_id", deviceID, "type", cmdType, "error", err)
		h.metrics.command("fire", "error")
		return false
	}

	if !c.sendFrame(commandFrame("", cmdType, raw)) {
		h.metrics.command("fire", "send_buffer_full")
		return false
	}
	h.metrics.command("fire", "sent")
	return true
}

// SendAwaitAck sends a command and blocks until the device acks it, the
// ack timeout fires, the connection goes away, or ctx is cancelled.
//
// A zero timeout means the configured default. Timeouts below the
// configured minimum are raised to it.
func (h *Hub) SendAwaitAck(ctx context.Context, deviceID, cmdType string, payload any, timeout time.Duration) (*Ack, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}

	c := h.registry.Get(deviceID)
	if c == nil {
		h.metrics.command("await", "not_connected")
		return nil, ErrNotConnected
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		h.metrics.command("await", "error")
		return nil, fmt.Errorf("sending %s to %s: %w", cmdType, deviceID, err)
	}

	id := uuid.NewString()
	p := h.acks.add(id, deviceID, c.id, h.ackTimeout(timeout))

	// Teardown marks the transport closed before rejecting acks, so an
	// entry added after that rejection is caught here.
	if !c.IsOpen() {
		if h.acks.take(id) != nil {
			h.metrics.command("await", "not_connected")
			return nil, ErrNotConnected
		}
		return h.awaitOutcome(p)
	}

	if !c.sendFrame(commandFrame(id, cmdType, raw)) {
		if h.acks.take(id) != nil {
			h.metrics.command("await", "send_buffer_full")
			return nil, ErrSendBufferFull
		}
		return h.awaitOutcome(p)
	}

	select {
	case out := <-p.done:
		h.metrics.command("await", DeliveryCode(out.err))
		return out.ack, out.err
	case <-ctx.Done():
		if h.acks.take(id) != nil {
			h.metrics.command("await", "cancelled")
			return nil, ctx.Err()
		}
		return h.awaitOutcome(p)
	}
}

// awaitOutcome collects the result of an entry someone else settled.
func (h *Hub) awaitOutcome(p *pendingAck) (*Ack, error) {
	out := <-p.done
	h.metrics.command("await", DeliveryCode(out.err))
	return out.ack, out.err
}

func (h *Hub) ackTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = h.cfg.AckTimeoutDefault
	}
	if timeout < h.cfg.AckTimeoutMin {
		timeout = h.cfg.AckTimeoutMin
	}
	return timeout
}

// SendApplySettings pushes a settings patch to a device.
func (h *Hub) SendApplySettings(deviceID string, patch any) bool {
	c := h.registry.Get(deviceID)
	if c == nil {
		h.metrics.command("settings", "not_connected")
		return false
	}

	raw, err := marshalPayload(patch)
	if err != nil {
		h.logger.Error("encoding settings patch", "device_id", deviceID, "error", err)
		h.metrics.command("settings", "error")
		return false
	}

	if !c.sendFrame(applySettingsFrame(raw)) {
		h.metrics.command("settings", "send_buffer_full")
		return false
	}
	h.metrics.command("settings", "sent")
	return true
}

// Broadcast sends a fire-and-forget command to every connected device.
// It reports whether at least one device was attempted.
func (h *Hub) Broadcast(cmdType string, payload any) bool {
	raw, err := marshalPayload(payload)
	if err != nil {
		h.logger.Error("encoding broadcast payload", "type", cmdType, "error", err)
		return false
	}
	data, err := encodeFrame(commandFrame("", cmdType, raw))
	if err != nil {
		h.logger.Error("encoding broadcast frame", "type", cmdType, "error", err)
		return false
	}

	conns := h.registry.Snapshot()
	for _, c := range conns {
		if !c.trySend(data) {
			h.logger.Debug("broadcast skipped device", "device_id", c.DeviceID())
			h.metrics.command("broadcast", "send_buffer_full")
			continue
		}
		h.metrics.command("broadcast", "sent")
	}
	return len(conns) > 0
}
