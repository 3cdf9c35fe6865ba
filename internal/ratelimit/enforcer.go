// Package ratelimit throttles repeated events, such as one noisy monitor
// rule firing hundreds of times, before they reach a notification channel.
package ratelimit

import (
	"fmt"
	"time"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Key      string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(count int, limit *Limit) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxEvents {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxEvents,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d events in %s window",
				count, limit.MaxEvents, limit.Window),
		}
	}
	return CheckResult{}
}

// Allow reports whether an event for key at now is within the limit and,
// if so, counts it.
func (t *Tracker) Allow(key string, now time.Time) CheckResult {
	if !t.limit.Enabled() {
		return CheckResult{}
	}
	result := Check(t.Snapshot(key, now), t.limit)
	result.Key = key
	if !result.Exceeded {
		t.Increment(key)
	}
	return result
}
