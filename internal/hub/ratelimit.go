package hub

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window message budget per device.
//
// Each device keeps the timestamps of its accepted messages inside the
// current window. A message is allowed while fewer than limit timestamps
// fall within (now-window, now].
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start  time.Time
	stamps []time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
// A non-positive limit or window disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*rateWindow),
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *RateLimiter) Enabled() bool {
	return l.limit > 0 && l.window > 0
}

// Allow records a message for deviceID at now and reports whether it fits the budget.
// Rejected messages are not recorded.
func (l *RateLimiter) Allow(deviceID string, now time.Time) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[deviceID]
	if !ok {
		w = &rateWindow{start: now, stamps: make([]time.Time, 0, l.limit)}
		l.windows[deviceID] = w
	}

	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(w.stamps) && !w.stamps[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[expired:]...)
	}
	if len(w.stamps) > 0 {
		w.start = w.stamps[0]
	} else {
		w.start = now
	}

	if len(w.stamps) >= l.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Forget drops the window for deviceID.
func (l *RateLimiter) Forget(deviceID string) {
	l.mu.Lock()
	delete(l.windows, deviceID)
	l.mu.Unlock()
}

// Len returns the number of tracked windows.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
