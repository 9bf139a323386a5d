package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// Kind identifies a wire frame.
type Kind string

// Frame kinds. Anything else is rejected by DecodeFrame.
const (
	KindHello         Kind = "hello"
	KindHelloAck      Kind = "hello-ack"
	KindCommand       Kind = "command"
	KindAck           Kind = "ack"
	KindApplySettings Kind = "apply-settings"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindError         Kind = "error"
)

// validKinds is the closed set of frame kinds.
var validKinds = map[Kind]struct{}{
	KindHello:         {},
	KindHelloAck:      {},
	KindCommand:       {},
	KindAck:           {},
	KindApplySettings: {},
	KindPing:          {},
	KindPong:          {},
	KindError:         {},
}

// maxDeviceIDLength bounds the deviceId a device may claim in hello.
const maxDeviceIDLength = 128

// CloseCode is a WebSocket close status used to tell devices why they were dropped.
type CloseCode int

// Close codes. The 4xxx range is application specific.
const (
	CloseNormal          CloseCode = websocket.CloseNormalClosure
	CloseGoingAway       CloseCode = websocket.CloseGoingAway
	CloseInvalidFormat   CloseCode = websocket.CloseInvalidFramePayloadData
	ClosePolicyViolation CloseCode = websocket.ClosePolicyViolation
	CloseMessageTooLarge CloseCode = websocket.CloseMessageTooBig
	CloseUnauthorized    CloseCode = 4001
	CloseAuthError       CloseCode = 4002
	CloseAuthTimeout     CloseCode = 4008
)

// Frame is a validated protocol frame. Fields not used by a kind are zero.
type Frame struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     string          `json:"status,omitempty"`
	Info       json.RawMessage `json:"info,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Secret     string          `json:"secret,omitempty"`
	ServerTime int64           `json:"serverTime,omitempty"`
	T          json.RawMessage `json:"t,omitempty"`
	Message    string          `json:"message,omitempty"`
	Details    any             `json:"details,omitempty"`
}

// rawFrame holds untrusted input before per-field type checks.
type rawFrame struct {
	Kind     json.RawMessage `json:"kind"`
	ID       json.RawMessage `json:"id"`
	Type     json.RawMessage `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Status   json.RawMessage `json:"status"`
	Info     json.RawMessage `json:"info"`
	DeviceID json.RawMessage `json:"deviceId"`
	Secret   json.RawMessage `json:"secret"`
	T        json.RawMessage `json:"t"`
	Message  json.RawMessage `json:"message"`
}

// DecodeFrame validates an inbound frame and returns a normalized copy.
//
// The size check runs before any parsing. Errors wrap ErrProtocol:
// ErrFrameTooLarge, ErrMalformedFrame, ErrUnknownKind or ErrInvalidShape.
func DecodeFrame(data []byte, maxBytes int) (*Frame, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(data), maxBytes)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedFrame)
	}

	var raw rawFrame
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kindStr, err := optionalString(raw.Kind)
	if err != nil || kindStr == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrUnknownKind)
	}
	kind := Kind(kindStr)
	if _, ok := validKinds[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, truncate(kindStr, 32))
	}

	f := &Frame{Kind: kind}

	if f.ID, err = optionalString(raw.ID); err != nil {
		return nil, fmt.Errorf("%w: id must be a string", ErrInvalidShape)
	}
	if f.Type, err = optionalString(raw.Type); err != nil {
		return nil, fmt.Errorf("%w: type must be a string", ErrInvalidShape)
	}
	if f.Message, err = optionalString(raw.Message); err != nil {
		return nil, fmt.Errorf("%w: message must be a string", ErrInvalidShape)
	}
	f.Payload = normalizeRaw(raw.Payload)
	f.T = normalizeRaw(raw.T)

	switch kind {
	case KindHello:
		if err := decodeHello(&raw, f); err != nil {
			return nil, err
		}
	case KindAck:
		if err := decodeAck(&raw, f); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func decodeHello(raw *rawFrame, f *Frame) error {
	deviceID, err := requiredString(raw.DeviceID)
	if err != nil {
		return fmt.Errorf("%w: hello requires string deviceId", ErrInvalidShape)
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || len(deviceID) > maxDeviceIDLength || strings.IndexFunc(deviceID, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: hello deviceId is empty or invalid", ErrInvalidShape)
	}

	secret, err := requiredString(raw.Secret)
	if err != nil {
		return fmt.Errorf("%w: hello requires string secret", ErrInvalidShape)
	}

	f.DeviceID = deviceID
	f.Secret = secret
	return nil
}

func decodeAck(raw *rawFrame, f *Frame) error {
	if f.ID == "" {
		return fmt.Errorf("%w: ack requires id", ErrInvalidShape)
	}
	status, err := requiredString(raw.Status)
	if err != nil || status == "" {
		return fmt.Errorf("%w: ack requires string status", ErrInvalidShape)
	}
	f.Status = status
	f.Info = normalizeRaw(raw.Info)
	return nil
}

// requiredString decodes a JSON string that must be present.
func requiredString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// optionalString decodes a JSON string, treating absent or null as empty.
func optionalString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// normalizeRaw copies raw so the frame does not alias the read buffer.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// encodeFrame marshals an outbound frame.
func encodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	return data, nil
}

// marshalPayload turns an arbitrary payload into raw JSON.
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

func helloAckFrame(now time.Time) *Frame {
	return &Frame{Kind: KindHelloAck, ServerTime: now.UnixMilli()}
}

func commandFrame(id, cmdType string, payload json.RawMessage) *Frame {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return &Frame{Kind: KindCommand, ID: id, Type: cmdType, Payload: payload}
}

func applySettingsFrame(patch json.RawMessage) *Frame {
	return &Frame{Kind: KindApplySettings, Payload: patch}
}

func pongFrame(t json.RawMessage, now time.Time) *Frame {
	if t == nil {
		t = json.RawMessage(fmt.Sprintf("%d", now.UnixMilli()))
	}
	return &Frame{Kind: KindPong, T: t}
}

func errorFrame(message string, details any) *Frame {
	return &Frame{Kind: KindError, Message: message, Details: details}
}
