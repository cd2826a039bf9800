// Package audit contains domain types for the append-only audit subsystem.
package audit

import (
	"strings"
	"time"
)

// Severity orders audit events for filtering and alerting.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to their ordering.
var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// EventType constants, grouped by subsystem.
const (
	// Authentication and token lifecycle
	EventTypeAuthSuccess  = "auth.success"
	EventTypeAuthFailure  = "auth.failure"
	EventTypeTokenRevoked = "auth.token_revoked"
	EventTypeIntrospect   = "auth.introspect"

	// Security gateway
	EventTypeRateLimited      = "security.rate_limited"
	EventTypeBlacklisted      = "security.blacklisted"
	EventTypeThreatDetected   = "security.threat_detected"
	EventTypeSemanticBlock    = "security.semantic_block"
	EventTypeSecurityApproved = "security.approved"
	EventTypePolicyDenied     = "security.policy_denied"

	// Workflow transitions
	EventTypeWorkflowTransition = "workflow.transition"
	EventTypeWorkflowComplete   = "workflow.complete"
	EventTypeWorkflowFailed     = "workflow.failed"

	// Agent pipeline
	EventTypeQueryAnalyzed  = "pipeline.query_analyzed"
	EventTypeModelsFound    = "pipeline.models_found"
	EventTypeFieldsMapped   = "pipeline.fields_mapped"
	EventTypeQueryBuilt     = "pipeline.query_built"
	EventTypeExecuteQuery   = "pipeline.execute_query"
	EventTypeResponseReady  = "pipeline.response_ready"
	EventTypeFilterDropped  = "pipeline.filter_dropped"
	EventTypeRetryAttempted = "pipeline.retry"

	// MDH adapter
	EventTypeMDHRequest = "mdh.request"
	EventTypeMDHError   = "mdh.error"

	// Sink meta-events
	EventTypeAuditDropped = "audit.dropped"
)

// Event is a single append-only audit record.
type Event struct {
	// EventID uniquely identifies the event.
	EventID string `json:"event_id"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// EventType categorizes the event (auth.*, security.*, workflow.*, ...).
	EventType string `json:"event_type"`
	// Severity classifies the event for filtering.
	Severity Severity `json:"severity"`
	// PrincipalID is the authenticated subject, when known.
	PrincipalID string `json:"principal_id,omitempty"`
	// ClientID is the derived client identifier (IP or agent hash).
	ClientID string `json:"client_id,omitempty"`
	// RequestIP is the client's real IP, when known.
	RequestIP string `json:"request_ip,omitempty"`
	// RequestID correlates events within one request.
	RequestID string `json:"request_id,omitempty"`
	// Endpoint is the HTTP path or workflow node name.
	Endpoint string `json:"endpoint,omitempty"`
	// Method is the HTTP method or JSON-RPC method.
	Method string `json:"method,omitempty"`
	// Success records the outcome.
	Success bool `json:"success"`
	// ResponseCode is the HTTP status, when applicable.
	ResponseCode int `json:"response_code,omitempty"`
	// ProcessingTime is the elapsed time for the audited operation.
	ProcessingTime time.Duration `json:"processing_time_ns,omitempty"`
	// Details carries event-specific context (redacted before emission).
	Details map[string]any `json:"details,omitempty"`
	// SecurityFlags lists flags raised by the security stack.
	SecurityFlags []string `json:"security_flags,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive detail key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "authorization", "private_key", "privatekey",
}

// RedactDetails returns a copy of details with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return details
	}
	redacted := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
