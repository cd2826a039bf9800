package semantic

import (
	"regexp"
	"strings"

	"github.com/datagate-io/datagate/internal/domain/threat"
)

// nearMissMargin is how close a category score may come to its threshold
// before the query is escalated to the advisory model anyway.
const nearMissMargin = 0.05

// substantialScore is the aggregate score that marks a query worth a
// second opinion even when no single category fired.
const substantialScore = 0.15

// RuleScore is the output of the pattern scorer.
type RuleScore struct {
	// Confidence is the highest firing category score, capped at 1.0.
	Confidence float64
	// ThreatTypes lists taxonomy categories whose score met the threshold.
	ThreatTypes []string
	// MatchedPatterns lists every pattern that matched, firing or not.
	MatchedPatterns []string
	// Action is the most severe action among firing categories.
	Action threat.Action
	// NearMiss marks queries that fell just short of a threshold, carry
	// substantial aggregate score, or pair social engineering with
	// suspicious context. Near misses always reach the advisory model.
	NearMiss bool
}

// pattern contributes score toward one taxonomy category.
type pattern struct {
	id       string
	category string
	score    float64
	re       *regexp.Regexp
}

// category thresholds and firing actions.
type category struct {
	threshold float64
	action    threat.Action
}

var categories = map[string]category{
	"prompt-injection":         {threshold: 0.6, action: threat.ActionBlockAndAlert},
	"role-confusion":           {threshold: 0.6, action: threat.ActionBlockRequest},
	"system-prompt-extraction": {threshold: 0.5, action: threat.ActionBlockAndAlert},
	"social-engineering":       {threshold: 0.7, action: threat.ActionBlockRequest},
	"context-manipulation":     {threshold: 0.6, action: threat.ActionBlockRequest},
	"instruction-override":     {threshold: 0.5, action: threat.ActionBlockAndAlert},
	"authority-claim":          {threshold: 0.7, action: threat.ActionBlockRequest},
	"urgency-manipulation":     {threshold: 0.8, action: threat.ActionBlockRequest},
}

// Scorer accumulates pattern scores per taxonomy category.
type Scorer struct {
	patterns []pattern
}

// NewScorer creates a Scorer with the built-in pattern set.
func NewScorer() *Scorer {
	defs := []struct {
		id, category, expr string
		score              float64
	}{
		{"override_directive", "instruction-override", `(?i)(ignore|disregard|forget|override)\b.{0,40}\b(instructions?|rules?|guidelines?|restrictions?)`, 0.5},
		{"replace_directive", "instruction-override", `(?i)\b(instead|rather),?\s+(do|follow|obey|use)\b`, 0.2},
		{"hypothetical_frame", "prompt-injection", `(?i)\b(hypothetically|imagine|suppose|in\s+a\s+fictional\s+(world|scenario))\b`, 0.25},
		{"nested_quote_injection", "prompt-injection", `(?i)(the\s+(user|admin)\s+said|quote\s*:\s*")`, 0.3},
		{"payload_marker", "prompt-injection", `(?i)(base64|rot13|hex\s+decode|\\x[0-9a-f]{2})`, 0.4},
		{"identity_reframe", "role-confusion", `(?i)\byou\s+(are|were|have\s+always\s+been)\s+(really|actually|secretly)\b`, 0.45},
		{"persona_request", "role-confusion", `(?i)\b(act|behave|respond)\s+(like|as)\s+(if\s+)?(you|an?)\b`, 0.25},
		{"prompt_probe", "system-prompt-extraction", `(?i)\b(what|which)\s+(are|were)\s+your\s+(instructions?|rules?|guidelines?)\b`, 0.4},
		{"verbatim_probe", "system-prompt-extraction", `(?i)\b(verbatim|word\s+for\s+word|exact\s+text)\b`, 0.3},
		{"trust_building", "social-engineering", `(?i)\b(between\s+(you\s+and\s+me|us)|i\s+won'?t\s+tell|our\s+(little\s+)?secret|just\s+this\s+once)\b`, 0.4},
		{"permission_claim", "social-engineering", `(?i)\b(i\s+(have|was\s+given)\s+(permission|clearance|approval)|i'?m\s+(allowed|authorized))\b`, 0.4},
		{"history_rewrite", "context-manipulation", `(?i)\b(earlier\s+you\s+(said|agreed|promised)|as\s+we\s+discussed|you\s+already\s+(approved|confirmed))\b`, 0.35},
		{"memory_probe", "context-manipulation", `(?i)\b(forget\s+(what|everything)|clear\s+your\s+(memory|context|history))\b`, 0.4},
		{"authority_assertion", "authority-claim", `(?i)\b(as\s+(your|the)\s+(administrator|supervisor|owner|operator)|by\s+order\s+of)\b`, 0.45},
		{"compliance_demand", "authority-claim", `(?i)\byou\s+(must|are\s+required\s+to|have\s+no\s+choice)\b`, 0.3},
		{"deadline_pressure", "urgency-manipulation", `(?i)\b(before\s+it'?s\s+too\s+late|last\s+chance|expires?\s+in|right\s+this\s+(second|instant))\b`, 0.35},
		{"consequence_threat", "urgency-manipulation", `(?i)\b(or\s+(else|people\s+will)|you'?ll\s+be\s+(shut\s+down|deleted|replaced))\b`, 0.4},
	}

	s := &Scorer{patterns: make([]pattern, 0, len(defs))}
	for _, d := range defs {
		s.patterns = append(s.patterns, pattern{
			id:       d.id,
			category: d.category,
			score:    d.score,
			re:       regexp.MustCompile(d.expr),
		})
	}
	return s
}

// suspiciousContextKeywords pair with social engineering patterns to mark
// a near miss: friendly framing around sensitive subject matter.
var suspiciousContextKeywords = []string{
	"password", "credential", "secret", "token", "api key",
	"internal", "confidential", "restricted", "admin",
}

// Score evaluates every pattern against normalized content and rolls up
// per-category scores.
func (s *Scorer) Score(content string) RuleScore {
	normalized := threat.Normalize(content)
	lower := strings.ToLower(normalized)

	scores := make(map[string]float64)
	var rs RuleScore
	for _, p := range s.patterns {
		if !p.re.MatchString(normalized) {
			continue
		}
		rs.MatchedPatterns = append(rs.MatchedPatterns, p.id)
		scores[p.category] += p.score
	}

	rs.Action = threat.ActionLogOnly
	var aggregate float64
	socialEng := false
	for cat, score := range scores {
		aggregate += score
		def := categories[cat]
		if score >= def.threshold {
			rs.ThreatTypes = append(rs.ThreatTypes, cat)
			rs.Action = rs.Action.Max(def.action)
			if score > rs.Confidence {
				rs.Confidence = score
			}
		} else if score >= def.threshold-nearMissMargin {
			rs.NearMiss = true
		}
		if cat == "social-engineering" {
			socialEng = true
		}
	}
	if rs.Confidence > 1.0 {
		rs.Confidence = 1.0
	}

	if len(rs.ThreatTypes) == 0 && aggregate >= substantialScore {
		rs.NearMiss = true
	}
	if socialEng && hasSuspiciousContext(lower) {
		rs.NearMiss = true
	}

	return rs
}

func hasSuspiciousContext(lower string) bool {
	for _, kw := range suspiciousContextKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
