package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/datagate-io/datagate/internal/domain/ratelimit"
)

// Blacklist durations by escalation trigger.
const (
	burstBlacklistDuration = 15 * time.Minute
	hourBlacklistDuration  = time.Hour
	dayBlacklistDuration   = 24 * time.Hour
)

// cleanupInterval bounds how often Cleanup does real work.
const cleanupInterval = 5 * time.Minute

// window is one fixed counting window.
type window struct {
	start time.Time
	count int
}

// clientCounters holds the four windows for one client+endpoint key.
type clientCounters struct {
	windows map[ratelimit.WindowKind]*window
	lastHit time.Time
}

// RateLimiter is the in-memory ratelimit.Limiter. Counters are keyed by
// client id and endpoint; severe overruns move the client to a
// time-bound blacklist.
type RateLimiter struct {
	rules  *ratelimit.RuleSet
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	counters    map[string]*clientCounters
	blacklist   map[string]ratelimit.BlacklistEntry
	lastCleanup time.Time
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock overrides the clock, used in tests.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// WithLimiterLogger sets the limiter logger.
func WithLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(l *RateLimiter) { l.logger = logger }
}

// NewRateLimiter creates a limiter over the given rule set.
func NewRateLimiter(rules *ratelimit.RuleSet, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		rules:     rules,
		now:       time.Now,
		logger:    slog.Default(),
		counters:  make(map[string]*clientCounters),
		blacklist: make(map[string]ratelimit.BlacklistEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check increments the client's counters for the endpoint and reports
// whether the request is allowed. The blacklist is consulted first and
// applies to every endpoint, whitelisted or not.
func (l *RateLimiter) Check(_ context.Context, clientID, endpoint string) (ratelimit.Status, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.blacklist[clientID]; ok {
		if remaining := entry.Remaining(now); remaining > 0 {
			return ratelimit.Status{
				Allowed:     false,
				Blacklisted: true,
				RetryAfter:  remaining,
				ResetAt:     entry.ExpiresAt,
			}, nil
		}
		delete(l.blacklist, clientID)
	}

	rule, ok := l.rules.Resolve(endpoint)
	if !ok || l.rules.Bypasses(clientID, endpoint) {
		return ratelimit.Status{Allowed: true, Remaining: -1}, nil
	}

	key := clientID + "|" + endpoint
	cc, ok := l.counters[key]
	if !ok {
		cc = &clientCounters{windows: make(map[ratelimit.WindowKind]*window, len(ratelimit.Windows))}
		l.counters[key] = cc
	}
	cc.lastHit = now

	status := ratelimit.Status{Allowed: true, Remaining: -1}
	for _, kind := range ratelimit.Windows {
		limit := rule.Limit(kind)
		if limit <= 0 {
			continue
		}

		w, ok := cc.windows[kind]
		if !ok || now.Sub(w.start) >= kind.Duration() {
			w = &window{start: now}
			cc.windows[kind] = w
		}
		w.count++

		resetAt := w.start.Add(kind.Duration())
		if w.count > limit {
			if status.Allowed {
				status.Allowed = false
				status.LimitKind = kind
				status.RetryAfter = resetAt.Sub(now)
				status.ResetAt = resetAt
				status.Remaining = 0
			}
			l.escalateLocked(clientID, kind, w.count, limit, now)
			continue
		}

		remaining := limit - w.count
		if status.Remaining < 0 || remaining < status.Remaining {
			status.Remaining = remaining
			if status.Allowed {
				status.ResetAt = resetAt
			}
		}
	}

	if status.Remaining < 0 {
		status.Remaining = 0
	}
	return status, nil
}

// escalateLocked blacklists clients whose overrun crosses the escalation
// thresholds: double the burst limit, 1.5x the hourly limit, or any
// day-window overrun.
func (l *RateLimiter) escalateLocked(clientID string, kind ratelimit.WindowKind, count, limit int, now time.Time) {
	var duration time.Duration
	var reason string

	switch kind {
	case ratelimit.WindowBurst:
		if count >= 2*limit {
			duration, reason = burstBlacklistDuration, "burst limit doubled"
		}
	case ratelimit.WindowHour:
		if float64(count) >= 1.5*float64(limit) {
			duration, reason = hourBlacklistDuration, "hourly limit exceeded by 50%"
		}
	case ratelimit.WindowDay:
		duration, reason = dayBlacklistDuration, "daily limit exceeded"
	}
	if duration == 0 {
		return
	}

	// Never shorten an existing blacklist entry.
	if existing, ok := l.blacklist[clientID]; ok && existing.ExpiresAt.After(now.Add(duration)) {
		return
	}

	l.blacklist[clientID] = ratelimit.BlacklistEntry{
		ClientID:  clientID,
		AddedAt:   now,
		ExpiresAt: now.Add(duration),
		Reason:    reason,
		Duration:  duration,
	}
	l.logger.Warn("client blacklisted",
		"client_id", clientID, "window", string(kind), "count", count, "limit", limit,
		"duration", duration, "reason", reason)
}

// Blacklist returns the active entry for a client, if any.
func (l *RateLimiter) Blacklist(clientID string) (ratelimit.BlacklistEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.blacklist[clientID]
	if !ok || entry.Remaining(l.now()) == 0 {
		return ratelimit.BlacklistEntry{}, false
	}
	return entry, true
}

// Len returns the number of tracked client+endpoint keys. Exported as
// the rate_limit_keys gauge.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// Cleanup evicts stale counters and expired blacklist entries, at most
// once per cleanupInterval.
func (l *RateLimiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	for key, cc := range l.counters {
		if now.Sub(cc.lastHit) > ratelimit.WindowDay.Duration() {
			delete(l.counters, key)
		}
	}
	for id, entry := range l.blacklist {
		if entry.Remaining(now) == 0 {
			delete(l.blacklist, id)
		}
	}
}
