package audit

import (
	"context"
	"time"
)

// QueryFilter narrows a read-only audit query. Zero values match everything.
type QueryFilter struct {
	// EventType matches the exact event type when non-empty.
	EventType string
	// PrincipalID matches the exact principal when non-empty.
	PrincipalID string
	// MinSeverity drops events below this severity when non-empty.
	MinSeverity Severity
	// Since drops events before this time when non-zero.
	Since time.Time
	// Until drops events after this time when non-zero.
	Until time.Time
}

// Matches reports whether an event passes the filter.
func (f QueryFilter) Matches(e Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// EventStore persists audit events.
// Append must be cheap; retrieval is an administrative concern only.
type EventStore interface {
	// Append writes events to the store. Events are never mutated after
	// this call.
	Append(ctx context.Context, events ...Event) error

	// Query reads the most recent events matching the filter, newest
	// first, up to limit.
	Query(ctx context.Context, filter QueryFilter, limit int) ([]Event, error)

	// Close flushes and releases resources.
	Close() error
}
