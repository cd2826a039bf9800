package agent

import (
	"fmt"
	"time"

	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// Clearance is the security-approval level of a pipeline run. Clearance
// only moves forward (or to blocked); it never regresses.
type Clearance string

// Clearance levels, in order.
const (
	ClearancePending  Clearance = "pending"
	ClearanceLayer1   Clearance = "layer1" // token + authorization
	ClearanceLayer2   Clearance = "layer2" // rate limit + threat rules
	ClearanceLayer3   Clearance = "layer3" // semantic analysis
	ClearanceApproved Clearance = "approved"
	ClearanceBlocked  Clearance = "blocked"
)

var clearanceRank = map[Clearance]int{
	ClearancePending:  0,
	ClearanceLayer1:   1,
	ClearanceLayer2:   2,
	ClearanceLayer3:   3,
	ClearanceApproved: 4,
}

// maxRetries bounds retry attempts for the data-retrieval stage.
const maxRetries = 3

// TrailEntry is one append-only record of pipeline progress.
type TrailEntry struct {
	Timestamp time.Time
	Node      string
	Note      string
}

// State carries everything a pipeline run accumulates. It is owned by a
// single request and not shared between goroutines.
type State struct {
	RequestID      string
	ConversationID string
	Principal      *auth.Principal

	// RawQuery is the user's query as received.
	RawQuery string

	// Stage outputs, populated in pipeline order.
	Intent        Intent
	Entities      []Entity
	Models        []*mdh.ModelDescriptor
	SelectedModel *mdh.ModelDescriptor
	Mappings      []FieldMapping
	Query         *CanonicalQuery
	Response      *FormattedResponse
	Insights      []string
	FollowUps     []string

	// SecurityFlags accumulates flags from every security layer.
	SecurityFlags []string

	// RetryCount tracks data-retrieval attempts.
	RetryCount int

	// Err is the terminal fault, when the run failed.
	Err error

	clearance Clearance
	results   *mdh.RecordSet
	trail     []TrailEntry
}

// NewState starts a pipeline run in the pending clearance level.
func NewState(requestID, conversationID, rawQuery string, principal *auth.Principal) *State {
	return &State{
		RequestID:      requestID,
		ConversationID: conversationID,
		RawQuery:       rawQuery,
		Principal:      principal,
		Intent:         IntentUnknown,
		clearance:      ClearancePending,
	}
}

// Clearance returns the current clearance level.
func (s *State) Clearance() Clearance { return s.clearance }

// Advance raises clearance to the given level. Clearance is monotonic:
// moving backward, skipping a level, or leaving the blocked state is an
// error.
func (s *State) Advance(to Clearance) error {
	if s.clearance == ClearanceBlocked {
		return fmt.Errorf("clearance is blocked, cannot advance to %s", to)
	}
	toRank, ok := clearanceRank[to]
	if !ok {
		return fmt.Errorf("unknown clearance level %q", to)
	}
	cur := clearanceRank[s.clearance]
	if toRank != cur+1 {
		return fmt.Errorf("clearance cannot move from %s to %s", s.clearance, to)
	}
	s.clearance = to
	return nil
}

// Block moves clearance to the terminal blocked state and records why.
func (s *State) Block(reason string) {
	s.clearance = ClearanceBlocked
	s.AddTrail("security", "blocked: "+reason)
}

// Approved reports whether the run passed every security layer.
func (s *State) Approved() bool { return s.clearance == ClearanceApproved }

// Blocked reports whether the run was denied.
func (s *State) Blocked() bool { return s.clearance == ClearanceBlocked }

// SetResults attaches query results. Results are only accepted once the
// run is fully approved; anything else is a programming error surfaced
// to the caller.
func (s *State) SetResults(rs *mdh.RecordSet) error {
	if !s.Approved() {
		return fmt.Errorf("cannot attach results at clearance %s", s.clearance)
	}
	s.results = rs
	return nil
}

// Results returns the attached record set, nil until SetResults.
func (s *State) Results() *mdh.RecordSet { return s.results }

// CanRetry reports whether another data-retrieval attempt is allowed.
func (s *State) CanRetry() bool { return s.RetryCount < maxRetries }

// AddFlag appends a security flag, skipping duplicates.
func (s *State) AddFlag(flag string) {
	for _, f := range s.SecurityFlags {
		if f == flag {
			return
		}
	}
	s.SecurityFlags = append(s.SecurityFlags, flag)
}

// AddTrail appends a progress entry. The trail is append-only.
func (s *State) AddTrail(node, note string) {
	s.trail = append(s.trail, TrailEntry{Timestamp: time.Now(), Node: node, Note: note})
}

// Trail returns a copy of the progress trail.
func (s *State) Trail() []TrailEntry {
	out := make([]TrailEntry, len(s.trail))
	copy(out, s.trail)
	return out
}
