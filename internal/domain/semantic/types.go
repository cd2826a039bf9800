// Package semantic combines rule-based threat scoring with an advisory
// LLM verdict for inputs the rules alone cannot settle.
package semantic

import (
	"time"

	"github.com/datagate-io/datagate/internal/domain/threat"
)

// Threat taxonomy presented to the advisory model.
var ThreatTaxonomy = []string{
	"prompt-injection",
	"role-confusion",
	"system-prompt-extraction",
	"social-engineering",
	"context-manipulation",
	"instruction-override",
	"authority-claim",
	"urgency-manipulation",
}

// FlagAdvisoryUnavailable marks assessments produced without the LLM
// advisory because the call failed or timed out.
const FlagAdvisoryUnavailable = "llm-advisory-unavailable"

// Assessment is the combined verdict for one query.
type Assessment struct {
	// IsThreat reports the combined decision.
	IsThreat bool
	// ThreatTypes lists taxonomy entries implicated by rules or advisory.
	ThreatTypes []string
	// CombinedConfidence is the weighted rule/LLM confidence in [0, 1].
	CombinedConfidence float64
	// MatchedPatterns lists rule-scorer patterns that fired.
	MatchedPatterns []string
	// RecommendedAction is the final action after combination.
	RecommendedAction threat.Action
	// Explanation summarizes the reasoning, safe for audit logs.
	Explanation string
	// Flags carries processing notes (e.g., llm-advisory-unavailable).
	Flags []string
}

// AdvisorVerdict is the structured object expected from the advisory model.
type AdvisorVerdict struct {
	IsThreat           bool     `json:"is_threat"`
	ThreatTypes        []string `json:"threat_types"`
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	SubtletyScore      float64  `json:"subtlety_score"`
	BusinessLegitimacy float64  `json:"business_legitimacy"`
	SecurityAction     string   `json:"security_action"`
}

// ConversationContext tracks per-conversation behavior across requests.
// Mutated only by the owning request.
type ConversationContext struct {
	// ID is the conversation identifier.
	ID string
	// Messages holds the last maxContextMessages user messages.
	Messages []string
	// EscalationAttempts counts threat verdicts in this conversation.
	EscalationAttempts int
	// TrustLevel starts at 1.0 and decays 0.1 per threat (floor 0.0).
	TrustLevel float64
	// BehavioralFlags holds the last maxBehavioralFlags flags raised.
	BehavioralFlags []string
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time
}

// Context history bounds.
const (
	maxContextMessages = 20
	maxBehavioralFlags = 50
)

// NewConversationContext creates a context with full trust.
func NewConversationContext(id string) *ConversationContext {
	return &ConversationContext{ID: id, TrustLevel: 1.0}
}

// Record appends a message and applies threat bookkeeping: escalation
// attempts increment and trust decays by 0.1 (floor 0.0) on a threat.
func (c *ConversationContext) Record(message string, isThreat bool, flags []string) {
	c.Messages = append(c.Messages, message)
	if len(c.Messages) > maxContextMessages {
		c.Messages = c.Messages[len(c.Messages)-maxContextMessages:]
	}

	if isThreat {
		c.EscalationAttempts++
		c.TrustLevel -= 0.1
		if c.TrustLevel < 0 {
			c.TrustLevel = 0
		}
	}

	c.BehavioralFlags = append(c.BehavioralFlags, flags...)
	if len(c.BehavioralFlags) > maxBehavioralFlags {
		c.BehavioralFlags = c.BehavioralFlags[len(c.BehavioralFlags)-maxBehavioralFlags:]
	}

	c.UpdatedAt = time.Now()
}

// VerdictCache stores prior advisory verdicts keyed by query content hash.
// Implementations are bounded with TTL expiry and safe for concurrent use.
type VerdictCache interface {
	Get(key string) (AdvisorVerdict, bool)
	Put(key string, verdict AdvisorVerdict)
}

// ContextStore owns conversation contexts keyed by conversation id.
type ContextStore interface {
	// Get returns the context for id, creating it when absent.
	Get(id string) *ConversationContext
	// Save persists a mutated context.
	Save(ctx *ConversationContext)
}
