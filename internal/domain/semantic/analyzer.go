package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/datagate-io/datagate/internal/domain/threat"
)

// Advisor is the LLM consulted for queries the rule scorer cannot settle.
type Advisor interface {
	// Assess returns the model's raw response for an advisory prompt.
	Assess(ctx context.Context, prompt string) (string, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc func(ctx context.Context, prompt string) (string, error)

func (f AdvisorFunc) Assess(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Decision thresholds and combination constants.
const (
	// ruleDecisiveConfidence: at or above this the rule verdict stands
	// alone and the advisory model is not consulted.
	ruleDecisiveConfidence = 0.7
	// ruleSkipConfidence: below this, with no near miss, the query is
	// treated as benign without an advisory call.
	ruleSkipConfidence = 0.2
	// threatThreshold is the combined confidence at which a query is a
	// threat.
	threatThreshold = 0.5
	// subtletyBoost is added when the model reports a subtle, confident
	// threat the rules underestimate.
	subtletyBoost = 0.2

	defaultAdvisorTimeout = 10 * time.Second
)

// Analyzer layers the advisory model over the rule scorer.
type Analyzer struct {
	scorer   *Scorer
	advisor  Advisor
	cache    VerdictCache
	contexts ContextStore
	timeout  time.Duration
	logger   *slog.Logger

	decisiveConfidence float64
	skipConfidence     float64
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithAdvisor sets the advisory model. Without one the analyzer runs in
// rule-only mode and flags every borderline assessment.
func WithAdvisor(a Advisor) AnalyzerOption {
	return func(an *Analyzer) { an.advisor = a }
}

// WithVerdictCache sets the advisory verdict cache.
func WithVerdictCache(c VerdictCache) AnalyzerOption {
	return func(an *Analyzer) { an.cache = c }
}

// WithContextStore sets the conversation context store.
func WithContextStore(s ContextStore) AnalyzerOption {
	return func(an *Analyzer) { an.contexts = s }
}

// WithAdvisorTimeout overrides the advisory call timeout.
func WithAdvisorTimeout(d time.Duration) AnalyzerOption {
	return func(an *Analyzer) { an.timeout = d }
}

// WithLogger sets the analyzer logger.
func WithLogger(l *slog.Logger) AnalyzerOption {
	return func(an *Analyzer) { an.logger = l }
}

// WithThresholds overrides the rule-decisive and advisory-skip
// confidence thresholds. Zero values keep the defaults.
func WithThresholds(decisive, skip float64) AnalyzerOption {
	return func(an *Analyzer) {
		if decisive > 0 {
			an.decisiveConfidence = decisive
		}
		if skip > 0 {
			an.skipConfidence = skip
		}
	}
}

// NewAnalyzer creates an Analyzer with the built-in scorer.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	an := &Analyzer{
		scorer:             NewScorer(),
		timeout:            defaultAdvisorTimeout,
		logger:             slog.Default(),
		decisiveConfidence: ruleDecisiveConfidence,
		skipConfidence:     ruleSkipConfidence,
	}
	for _, opt := range opts {
		opt(an)
	}
	return an
}

// Analyze scores a query, consults the advisory model when the rules are
// not decisive, and records the outcome on the conversation context.
// Advisory failures never fail the request: the rule verdict stands and
// the assessment carries the llm-advisory-unavailable flag.
func (an *Analyzer) Analyze(ctx context.Context, query, conversationID string) Assessment {
	rs := an.scorer.Score(query)

	var assessment Assessment
	switch {
	case rs.Confidence >= an.decisiveConfidence:
		assessment = ruleOnlyAssessment(rs, true)
	case rs.Confidence < an.skipConfidence && !rs.NearMiss:
		assessment = ruleOnlyAssessment(rs, false)
	default:
		assessment = an.consultAdvisor(ctx, query, conversationID, rs)
	}

	an.recordContext(conversationID, query, assessment)
	return assessment
}

// ruleOnlyAssessment builds an assessment from the scorer alone.
func ruleOnlyAssessment(rs RuleScore, isThreat bool) Assessment {
	a := Assessment{
		IsThreat:           isThreat,
		ThreatTypes:        rs.ThreatTypes,
		CombinedConfidence: rs.Confidence,
		MatchedPatterns:    rs.MatchedPatterns,
		RecommendedAction:  threat.ActionLogOnly,
	}
	if isThreat {
		a.RecommendedAction = rs.Action
		a.Explanation = fmt.Sprintf("rule patterns decisive: %s", strings.Join(rs.ThreatTypes, ", "))
	} else {
		a.Explanation = "no significant rule signal"
	}
	return a
}

// consultAdvisor resolves a borderline query through the verdict cache or
// a live advisory call, then combines the verdicts.
func (an *Analyzer) consultAdvisor(ctx context.Context, query, conversationID string, rs RuleScore) Assessment {
	key := contentKey(query)

	if an.cache != nil {
		if verdict, ok := an.cache.Get(key); ok {
			return combine(rs, verdict)
		}
	}

	if an.advisor == nil {
		a := ruleOnlyAssessment(rs, rs.Confidence >= threatThreshold)
		a.Flags = append(a.Flags, FlagAdvisoryUnavailable)
		return a
	}

	callCtx, cancel := context.WithTimeout(ctx, an.timeout)
	defer cancel()

	raw, err := an.advisor.Assess(callCtx, an.buildPrompt(query, conversationID))
	if err != nil {
		an.logger.Warn("llm advisory call failed, falling back to rule verdict",
			"error", err, "conversation_id", conversationID)
		a := ruleOnlyAssessment(rs, rs.Confidence >= threatThreshold)
		a.Flags = append(a.Flags, FlagAdvisoryUnavailable)
		return a
	}

	verdict, err := ParseVerdict(raw)
	if err != nil {
		an.logger.Warn("llm advisory response rejected, falling back to rule verdict",
			"error", err, "conversation_id", conversationID)
		a := ruleOnlyAssessment(rs, rs.Confidence >= threatThreshold)
		a.Flags = append(a.Flags, FlagAdvisoryUnavailable)
		return a
	}

	if an.cache != nil {
		an.cache.Put(key, verdict)
	}
	return combine(rs, verdict)
}

// combine merges rule and advisory verdicts. Weights favor the stronger
// signal: a confident rule verdict (>0.8) dominates, a weak one (<0.3)
// defers to the model, otherwise the model leads 60/40. Subtle confident
// threats get a boost, and a block-and-alert rule verdict can never be
// diluted below its own confidence.
func combine(rs RuleScore, v AdvisorVerdict) Assessment {
	ruleWeight, llmWeight := 0.4, 0.6
	switch {
	case rs.Confidence > 0.8:
		ruleWeight, llmWeight = 0.7, 0.3
	case rs.Confidence < 0.3:
		ruleWeight, llmWeight = 0.2, 0.8
	}

	confidence := ruleWeight*rs.Confidence + llmWeight*v.Confidence
	if v.SubtletyScore > 0.7 && v.Confidence > 0.8 {
		confidence += subtletyBoost
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	if rs.Action == threat.ActionBlockAndAlert && confidence < rs.Confidence {
		confidence = rs.Confidence
	}

	a := Assessment{
		ThreatTypes:        mergeTypes(rs.ThreatTypes, v.ThreatTypes),
		CombinedConfidence: confidence,
		MatchedPatterns:    rs.MatchedPatterns,
		RecommendedAction:  threat.ActionLogOnly,
		Explanation:        v.Reasoning,
	}
	a.IsThreat = confidence >= threatThreshold && (v.IsThreat || len(rs.ThreatTypes) > 0)

	if a.IsThreat {
		a.RecommendedAction = rs.Action
		if action, ok := actionFromString(v.SecurityAction); ok {
			a.RecommendedAction = a.RecommendedAction.Max(action)
		}
		if !a.RecommendedAction.Blocks() {
			a.RecommendedAction = threat.ActionBlockRequest
		}
	}
	return a
}

// buildPrompt assembles the advisory prompt: taxonomy, conversation
// history, and the response contract.
func (an *Analyzer) buildPrompt(query, conversationID string) string {
	var b strings.Builder
	b.WriteString("You are a security analyst for a master-data gateway. ")
	b.WriteString("Classify the user query below against this threat taxonomy:\n")
	for _, t := range ThreatTaxonomy {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteByte('\n')
	}

	if an.contexts != nil && conversationID != "" {
		cc := an.contexts.Get(conversationID)
		if len(cc.Messages) > 0 {
			fmt.Fprintf(&b, "\nConversation trust level: %.1f, prior escalation attempts: %d\n",
				cc.TrustLevel, cc.EscalationAttempts)
			b.WriteString("Recent messages:\n")
			for _, m := range cc.Messages {
				fmt.Fprintf(&b, "- %s\n", m)
			}
		}
	}

	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	b.WriteString("Respond with a single JSON object, no prose, with exactly these fields: ")
	b.WriteString(`{"is_threat": bool, "threat_types": [string], "confidence": 0..1, `)
	b.WriteString(`"reasoning": string, "subtlety_score": 0..1, "business_legitimacy": 0..1, `)
	b.WriteString(`"security_action": "log-only"|"block-request"|"block-and-throttle"|"block-and-alert"}`)
	return b.String()
}

// recordContext updates the conversation context with this assessment.
func (an *Analyzer) recordContext(conversationID, query string, a Assessment) {
	if an.contexts == nil || conversationID == "" {
		return
	}
	cc := an.contexts.Get(conversationID)
	cc.Record(query, a.IsThreat, a.ThreatTypes)
	an.contexts.Save(cc)
}

// contentKey fingerprints query content for the verdict cache.
func contentKey(query string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(threat.Normalize(query)))
}

func actionFromString(s string) (threat.Action, bool) {
	switch threat.Action(s) {
	case threat.ActionLogOnly, threat.ActionBlockRequest,
		threat.ActionBlockAndThrottle, threat.ActionBlockAndAlert:
		return threat.Action(s), true
	}
	return "", false
}

func mergeTypes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
