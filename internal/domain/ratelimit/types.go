// Package ratelimit contains domain types for per-client, per-endpoint
// rate limiting across burst, minute, hour, and day windows.
package ratelimit

import (
	"context"
	"time"
)

// WindowKind identifies one of the four independent limit windows.
type WindowKind string

// Window kinds, checked in this order.
const (
	WindowBurst  WindowKind = "burst" // 10-second window
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// Windows lists the window kinds in check order.
var Windows = []WindowKind{WindowBurst, WindowMinute, WindowHour, WindowDay}

// Duration returns the span of the window.
func (w WindowKind) Duration() time.Duration {
	switch w {
	case WindowBurst:
		return 10 * time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Rule carries the four limits for one endpoint pattern.
// A zero limit disables that window.
type Rule struct {
	Burst  int
	Minute int
	Hour   int
	Day    int
}

// Limit returns the configured limit for a window kind.
func (r Rule) Limit(w WindowKind) int {
	switch w {
	case WindowBurst:
		return r.Burst
	case WindowMinute:
		return r.Minute
	case WindowHour:
		return r.Hour
	case WindowDay:
		return r.Day
	default:
		return 0
	}
}

// Status is the outcome of a rate-limit check.
type Status struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the minimum remaining count across all windows.
	Remaining int
	// ResetAt is when the binding window resets.
	ResetAt time.Time
	// LimitKind names the window that denied the request, when denied.
	LimitKind WindowKind
	// RetryAfter is how long the client must wait, when denied.
	RetryAfter time.Duration
	// Blacklisted reports whether the denial came from the blacklist.
	Blacklisted bool
}

// BlacklistEntry denies all requests from a client identifier until expiry.
type BlacklistEntry struct {
	ClientID string
	AddedAt  time.Time
	// ExpiresAt is AddedAt + Duration.
	ExpiresAt time.Time
	Reason    string
	Duration  time.Duration
}

// Remaining returns the unexpired blacklist time, zero when expired.
func (b BlacklistEntry) Remaining(now time.Time) time.Duration {
	if now.After(b.ExpiresAt) {
		return 0
	}
	return b.ExpiresAt.Sub(now)
}

// Limiter checks requests against per-endpoint rules.
// Implementations shard counters by key; each key's update is atomic
// with respect to other updates on the same key.
type Limiter interface {
	// Check atomically increments the client's counters for the endpoint
	// and reports whether the request is allowed. Escalating violations
	// add the client to the blacklist.
	Check(ctx context.Context, clientID, endpoint string) (Status, error)

	// Blacklist returns the active entry for a client, if any.
	Blacklist(clientID string) (BlacklistEntry, bool)

	// Cleanup evicts expired counters and blacklist entries.
	// Runs at most once per 5 minutes of real time.
	Cleanup()
}
