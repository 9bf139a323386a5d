package hub

import (
	"errors"
	"fmt"
)

// Error classes. Every error the hub returns or logs wraps exactly one of
// these, so callers can branch with errors.Is without knowing the cause.
var (
	// ErrProtocol marks malformed, oversized, or unknown inbound frames.
	ErrProtocol = errors.New("hub: protocol error")

	// ErrAuth marks handshake failures. They are terminal for the connection.
	ErrAuth = errors.New("hub: authentication failed")

	// ErrRateLimited is logged when a device exceeds its message budget.
	ErrRateLimited = errors.New("hub: rate limit exceeded")

	// ErrDelivery marks command delivery failures returned to dispatcher callers.
	ErrDelivery = errors.New("hub: delivery failed")
)

// Protocol errors.
var (
	ErrFrameTooLarge  = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrProtocol)
	ErrUnknownKind    = fmt.Errorf("%w: unknown kind", ErrProtocol)
	ErrInvalidShape   = fmt.Errorf("%w: invalid shape", ErrProtocol)
)

// Authentication errors.
var (
	ErrUnauthorized = fmt.Errorf("%w: invalid credentials", ErrAuth)
	ErrAuthTimeout  = fmt.Errorf("%w: deadline exceeded", ErrAuth)
	ErrVerifyFailed = fmt.Errorf("%w: verifier error", ErrAuth)
)

// Delivery errors.
var (
	// ErrNotConnected is returned when the target device has no open connection.
	ErrNotConnected = fmt.Errorf("%w: not_connected", ErrDelivery)

	// ErrAckTimeout is returned when the ack deadline fires before the device replies.
	ErrAckTimeout = fmt.Errorf("%w: ack_timeout", ErrDelivery)

	// ErrSocketClosed is returned when the connection goes away while a command is in flight.
	ErrSocketClosed = fmt.Errorf("%w: socket_closed", ErrDelivery)

	// ErrSendBufferFull is returned when the device's outbound buffer cannot take the frame.
	ErrSendBufferFull = fmt.Errorf("%w: send_buffer_full", ErrDelivery)

	// ErrHubClosed is returned for sends attempted after Close.
	ErrHubClosed = fmt.Errorf("%w: hub_closed", ErrDelivery)
)

// DeliveryCode maps a delivery error to its stable wire code.
// It returns "error" for anything that is not a known delivery error.
func DeliveryCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrAckTimeout):
		return "ack_timeout"
	case errors.Is(err, ErrSocketClosed):
		return "socket_closed"
	case errors.Is(err, ErrSendBufferFull):
		return "send_buffer_full"
	case errors.Is(err, ErrHubClosed):
		return "hub_closed"
	default:
		return "error"
	}
}
