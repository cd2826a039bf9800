package service

import (
	"context"
	"log/slog"

	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/ratelimit"
	"github.com/datagate-io/datagate/internal/domain/semantic"
	"github.com/datagate-io/datagate/internal/domain/threat"
)

// SecurityService runs the layered security gateway: rate limiting at
// the transport edge, then rule-based threat detection and semantic
// analysis inside the pipeline.
type SecurityService struct {
	limiter  ratelimit.Limiter
	detector *threat.Detector
	analyzer *semantic.Analyzer
	recorder Recorder
	logger   *slog.Logger
}

// NewSecurityService wires the three layers together.
func NewSecurityService(limiter ratelimit.Limiter, detector *threat.Detector, analyzer *semantic.Analyzer, recorder Recorder, logger *slog.Logger) *SecurityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityService{
		limiter:  limiter,
		detector: detector,
		analyzer: analyzer,
		recorder: recorder,
		logger:   logger,
	}
}

// CheckRateLimit enforces per-client, per-endpoint limits. Denials are
// audited; blacklisted clients get a distinct event type.
func (s *SecurityService) CheckRateLimit(ctx context.Context, clientID, endpoint string) (ratelimit.Status, error) {
	status, err := s.limiter.Check(ctx, clientID, endpoint)
	if err != nil {
		return status, fault.Wrap(fault.Internal, "rate limit check failed", err)
	}

	if !status.Allowed && s.recorder != nil {
		eventType := audit.EventTypeRateLimited
		severity := audit.SeverityWarning
		if status.Blacklisted {
			eventType = audit.EventTypeBlacklisted
			severity = audit.SeverityError
		}
		s.recorder.Record(audit.Event{
			EventType: eventType,
			Severity:  severity,
			ClientID:  clientID,
			Endpoint:  endpoint,
			Success:   false,
			Details: map[string]any{
				"limit_kind":  string(status.LimitKind),
				"retry_after": status.RetryAfter.String(),
			},
		})
	}

	s.limiter.Cleanup()
	return status, nil
}

// Screen runs the in-pipeline layers against the query. On a blocking
// verdict the state moves to blocked and state.Err carries the fault;
// the pipeline then routes straight to response generation. Screen
// itself only errors on clearance bookkeeping bugs.
func (s *SecurityService) Screen(ctx context.Context, state *agent.State) error {
	clientID := ""
	if state.Principal != nil {
		clientID = state.Principal.ClientID
	}

	// Layer 2: rule-based threat detection.
	detection := s.detector.Analyze(state.RawQuery, clientID)
	if detection.IsThreat {
		for _, id := range detection.MatchedRules {
			state.AddFlag("rule:" + id)
		}
		s.auditSecurity(state, audit.EventTypeThreatDetected, map[string]any{
			"level":      string(detection.Level),
			"action":     string(detection.Action),
			"rules":      detection.MatchedRules,
			"confidence": detection.Confidence,
			"snippet":    detection.Snippet,
		})
		if threat.ShouldBlock(detection) {
			state.Block("threat rule match: " + string(detection.Level))
			kind := fault.SecurityBlocked
			if detection.Escalated {
				kind = fault.SecurityQuarantine
			}
			state.Err = fault.New(kind, "request blocked by security policy").
				WithGuidance("Rephrase your question as a plain data query.")
			return nil
		}
	}
	if err := state.Advance(agent.ClearanceLayer2); err != nil {
		return fault.Wrap(fault.Internal, "clearance bookkeeping", err)
	}

	// Layer 3: semantic analysis with optional LLM advisory.
	assessment := s.analyzer.Analyze(ctx, state.RawQuery, state.ConversationID)
	for _, f := range assessment.Flags {
		state.AddFlag(f)
	}
	if assessment.IsThreat && assessment.RecommendedAction.Blocks() {
		s.auditSecurity(state, audit.EventTypeSemanticBlock, map[string]any{
			"threat_types": assessment.ThreatTypes,
			"confidence":   assessment.CombinedConfidence,
			"action":       string(assessment.RecommendedAction),
			"explanation":  assessment.Explanation,
		})
		state.Block("semantic analysis verdict")
		state.Err = fault.New(fault.SecurityBlocked, "request blocked by security policy").
			WithGuidance("Rephrase your question as a plain data query.")
		return nil
	}
	if err := state.Advance(agent.ClearanceLayer3); err != nil {
		return fault.Wrap(fault.Internal, "clearance bookkeeping", err)
	}

	if err := state.Advance(agent.ClearanceApproved); err != nil {
		return fault.Wrap(fault.Internal, "clearance bookkeeping", err)
	}
	s.auditSecurity(state, audit.EventTypeSecurityApproved, map[string]any{
		"semantic_confidence": assessment.CombinedConfidence,
	})
	return nil
}

func (s *SecurityService) auditSecurity(state *agent.State, eventType string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	e := audit.Event{
		EventType: eventType,
		Severity:  audit.SeverityWarning,
		RequestID: state.RequestID,
		Success:   eventType == audit.EventTypeSecurityApproved,
		Details:   details,
	}
	if e.Success {
		e.Severity = audit.SeverityDebug
	}
	if state.Principal != nil {
		e.PrincipalID = state.Principal.Subject
		e.ClientID = state.Principal.ClientID
	}
	e.SecurityFlags = append([]string(nil), state.SecurityFlags...)
	s.recorder.Record(e)
}
