package agent

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-io/datagate/internal/domain/audit"
)

// AuditRecorder receives pipeline audit events.
type AuditRecorder interface {
	Record(e audit.Event)
}

// StateManager turns pipeline state transitions into audit events.
type StateManager struct {
	recorder AuditRecorder
	logger   *slog.Logger
}

// NewStateManager creates a StateManager. A nil recorder disables audit
// emission but keeps transition logging.
func NewStateManager(recorder AuditRecorder, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{recorder: recorder, logger: logger}
}

// Transition records a completed pipeline node.
func (m *StateManager) Transition(s *State, node string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.AddTrail(node, outcome(err))

	m.logger.Debug("pipeline transition",
		"node", node,
		"request_id", s.RequestID,
		"clearance", string(s.Clearance()),
		"elapsed", elapsed,
		"error", err,
	)

	m.emit(s, audit.Event{
		EventType:      audit.EventTypeWorkflowTransition,
		Severity:       transitionSeverity(err),
		Endpoint:       node,
		Success:        err == nil,
		ProcessingTime: elapsed,
		Details:        map[string]any{"clearance": string(s.Clearance())},
	})
}

// Complete records a finished run.
func (m *StateManager) Complete(s *State, start time.Time) {
	m.emit(s, audit.Event{
		EventType:      audit.EventTypeWorkflowComplete,
		Severity:       audit.SeverityInfo,
		Success:        true,
		ProcessingTime: time.Since(start),
		Details:        map[string]any{"intent": string(s.Intent)},
	})
}

// Fail records a terminally failed run.
func (m *StateManager) Fail(s *State, start time.Time, err error) {
	m.emit(s, audit.Event{
		EventType:      audit.EventTypeWorkflowFailed,
		Severity:       audit.SeverityError,
		Success:        false,
		ProcessingTime: time.Since(start),
		Details:        map[string]any{"error": err.Error()},
	})
}

func (m *StateManager) emit(s *State, e audit.Event) {
	if m.recorder == nil {
		return
	}
	e.EventID = uuid.NewString()
	e.Timestamp = time.Now()
	e.RequestID = s.RequestID
	if s.Principal != nil {
		e.PrincipalID = s.Principal.Subject
		e.ClientID = s.Principal.ClientID
	}
	e.SecurityFlags = append([]string(nil), s.SecurityFlags...)
	m.recorder.Record(e)
}

func outcome(err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return "ok"
}

func transitionSeverity(err error) audit.Severity {
	if err != nil {
		return audit.SeverityWarning
	}
	return audit.SeverityDebug
}
