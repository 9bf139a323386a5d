package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Ack is a device's reply to an awaited command.
type Ack struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"deviceId"`
	Status   string          `json:"status"`
	Info     json.RawMessage `json:"info,omitempty"`
}

type ackOutcome struct {
	ack *Ack
	err error
}

type pendingAck struct {
	id       string
	deviceID string
	connID   uint64
	created  time.Time
	timer    *time.Timer
	done     chan ackOutcome
}

// ackTracker holds awaited commands until they settle.
//
// Every settlement path goes through take, which removes the entry under
// the lock. Whoever takes an entry delivers its single outcome.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	metrics *Metrics
}

func newAckTracker(m *Metrics) *ackTracker {
	return &ackTracker{
		pending: make(map[string]*pendingAck),
		metrics: m,
	}
}

// add registers an entry and arms its expiry timer.
func (t *ackTracker) add(id, deviceID string, connID uint64, timeout time.Duration) *pendingAck {
	p := &pendingAck{
		id:       id,
		deviceID: deviceID,
		connID:   connID,
		created:  time.Now(),
		done:     make(chan ackOutcome, 1),
	}

	t.mu.Lock()
	t.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		t.settle(id, ackOutcome{err: ErrAckTimeout})
	})
	n := len(t.pending)
	t.mu.Unlock()

	t.metrics.setPendingAcks(n)
	return p
}

// take removes and returns the entry for id, or nil if it already settled.
func (t *ackTracker) take(id string) *pendingAck {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	n := len(t.pending)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	p.timer.Stop()
	t.metrics.setPendingAcks(n)
	return p
}

// settle takes the entry and delivers out. It reports whether it won.
func (t *ackTracker) settle(id string, out ackOutcome) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.done <- out
	return true
}

// Resolve settles id with ack if the entry belongs to deviceID.
func (t *ackTracker) Resolve(id, deviceID string, ack Ack) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || p.deviceID != deviceID {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	n := len(t.pending)
	t.mu.Unlock()

	p.timer.Stop()
	t.metrics.setPendingAcks(n)
	t.metrics.observeAckLatency(time.Since(p.created))

	ack.ID = id
	ack.DeviceID = deviceID
	p.done <- ackOutcome{ack: &ack}
	return true
}

// RejectConn fails every entry owned by connID with err.
func (t *ackTracker) RejectConn(connID uint64, err error) int {
	return t.rejectWhere(func(p *pendingAck) bool { return p.connID == connID }, err)
}

// RejectAll fails every entry with err.
func (t *ackTracker) RejectAll(err error) int {
	return t.rejectWhere(func(*pendingAck) bool { return true }, err)
}

func (t *ackTracker) rejectWhere(match func(*pendingAck) bool, err error) int {
	t.mu.Lock()
	var taken []*pendingAck
	for id, p := range t.pending {
		if match(p) {
			delete(t.pending, id)
			taken = append(taken, p)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()

	if len(taken) == 0 {
		return 0
	}
	t.metrics.setPendingAcks(n)
	for _, p := range taken {
		p.timer.Stop()
		p.done <- ackOutcome{err: err}
	}
	return len(taken)
}

// Len returns the number of unsettled entries.
func (t *ackTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
