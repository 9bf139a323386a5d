package hub

import (
	"sort"
	"sync"
)

// Registry maps device IDs to their single live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register records c as the connection for deviceID and returns the
// connection it displaced, if any. The caller terminates the displaced one.
func (r *Registry) Register(deviceID string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[deviceID]
	r.conns[deviceID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes c only if it is still the connection on record for
// its device. It reports whether anything was removed.
func (r *Registry) Unregister(c *Conn) bool {
	deviceID := c.DeviceID()
	if deviceID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[deviceID] != c {
		return false
	}
	delete(r.conns, deviceID)
	return true
}

// Get returns the open connection for deviceID, or nil.
func (r *Registry) Get(deviceID string) *Conn {
	r.mu.RLock()
	c := r.conns[deviceID]
	r.mu.RUnlock()

	if c == nil || !c.IsOpen() {
		return nil
	}
	return c
}

// IsConnected reports whether deviceID has an entry whose transport is open.
func (r *Registry) IsConnected(deviceID string) bool {
	return r.Get(deviceID) != nil
}

// Snapshot returns every open connection on record.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.IsOpen() {
			out = append(out, c)
		}
	}
	return out
}

// DeviceIDs returns the sorted IDs of connected devices.
func (r *Registry) DeviceIDs() []string {
	conns := r.Snapshot()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.DeviceID())
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of entries, open or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
