package ratelimit

import "time"

// Tracker counts events per key in fixed windows. Not goroutine-safe.
type Tracker struct {
	limit       *Limit
	counts      map[string]int
	windowStart map[string]time.Time
}

// NewTracker creates a tracker enforcing limit. A nil or zero limit allows
// everything.
func NewTracker(limit *Limit) *Tracker {
	return &Tracker{
		limit:       limit,
		counts:      make(map[string]int),
		windowStart: make(map[string]time.Time),
	}
}

// Snapshot returns the count for key in the window containing now. If the
// key's window has expired, its counter is reset and a new window starts.
func (t *Tracker) Snapshot(key string, now time.Time) int {
	start, ok := t.windowStart[key]
	if !ok || now.Sub(start) >= t.limit.Window || now.Before(start) {
		t.counts[key] = 0
		t.windowStart[key] = now
	}
	return t.counts[key]
}

// Increment records an event for key.
func (t *Tracker) Increment(key string) {
	t.counts[key]++
}
