package threat

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxSnippetLength bounds the content excerpt stored on verdicts.
const maxSnippetLength = 200

// Escalation thresholds: repeated threats from one client raise the
// recommended action regardless of individual match severity.
const (
	throttleThreshold = 3
	alertThreshold    = 5
)

// Detector runs the rule table over normalized content and tracks
// per-client escalation state. Safe for concurrent use.
type Detector struct {
	rules []Rule

	mu      sync.Mutex
	clients map[string]*ClientRecord
}

// NewDetector creates a Detector with the built-in rule table.
func NewDetector() *Detector {
	return &Detector{
		rules:   builtinRules(),
		clients: make(map[string]*ClientRecord),
	}
}

// Analyze normalizes content, evaluates every rule, rolls up confidence,
// and applies per-client escalation for repeat offenders.
func (d *Detector) Analyze(content, clientID string) DetectionResult {
	normalized := Normalize(content)

	result := DetectionResult{
		Level:   LevelLow,
		Action:  ActionLogOnly,
		Snippet: snippet(normalized),
	}

	var weightSum float64
	var blocking int
	for _, rule := range d.rules {
		if !rule.Pattern.MatchString(normalized) {
			continue
		}
		if rule.MonitorOnly {
			result.MonitoredRules = append(result.MonitoredRules, rule.ID)
			continue
		}
		result.MatchedRules = append(result.MatchedRules, rule.ID)
		result.Level = result.Level.Max(rule.Level)
		result.Action = result.Action.Max(rule.Action)
		weightSum += levelWeight[rule.Level]
		blocking++
	}

	if blocking > 0 {
		result.IsThreat = true
		// Confidence = min(1.0, avg(weight) + 0.1*(n-1)).
		confidence := weightSum/float64(blocking) + 0.1*float64(blocking-1)
		if confidence > 1.0 {
			confidence = 1.0
		}
		result.Confidence = confidence
		ruleAction := result.Action
		result.Action = d.escalate(clientID, result)
		result.Escalated = result.Action != ruleAction
	}

	return result
}

// escalate updates the client's record and raises the action for repeat
// offenders: >= 3 threats force at least block-and-throttle, >= 5 force
// block-and-alert.
func (d *Detector) escalate(clientID string, result DetectionResult) Action {
	if clientID == "" {
		return result.Action
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	rec, ok := d.clients[clientID]
	if !ok {
		rec = &ClientRecord{FirstSeen: now, MaxLevel: result.Level}
		d.clients[clientID] = rec
	}
	rec.LastSeen = now
	rec.ThreatCount++
	rec.MaxLevel = rec.MaxLevel.Max(result.Level)

	action := result.Action
	if rec.ThreatCount >= alertThreshold {
		action = action.Max(ActionBlockAndAlert)
	} else if rec.ThreatCount >= throttleThreshold {
		action = action.Max(ActionBlockAndThrottle)
	}
	return action
}

// ClientRecordFor returns a copy of the escalation record for a client.
func (d *Detector) ClientRecordFor(clientID string) (ClientRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.clients[clientID]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// Normalize prepares content for pattern matching: collapse whitespace,
// decode percent-encodings, and strip zero-width characters.
func Normalize(content string) string {
	// Percent-decode; invalid sequences pass through unchanged.
	if decoded, err := url.QueryUnescape(content); err == nil {
		content = decoded
	}

	// Strip zero-width characters used to split trigger words.
	content = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, content)

	// Collapse runs of whitespace to single spaces.
	return strings.Join(strings.Fields(content), " ")
}

// snippet truncates content for inclusion in verdicts and audit events.
func snippet(content string) string {
	if len(content) <= maxSnippetLength {
		return content
	}
	return content[:maxSnippetLength] + "..."
}
