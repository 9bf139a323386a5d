package device

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Device is a display endpoint that may connect to the hub.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	HasSecret bool      `json:"has_secret"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceGroup is a named, ordered set of device IDs.
type DeviceGroup struct { //nolint:revive // device.DeviceGroup reads better than device.Group at call sites
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueuedCommand is a fire-and-forget command held until the device reconnects.
type QueuedCommand struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// GenerateID returns a new random identifier.
func GenerateID() string {
	return uuid.NewString()
}

// maxNameLength bounds device and group names.
const maxNameLength = 100

// dedupeOrdered drops empty and repeated values, keeping first occurrences.
func dedupeOrdered(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
