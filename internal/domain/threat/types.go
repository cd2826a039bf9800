// Package threat provides rule-based prompt-injection and jailbreak
// detection over normalized request content.
package threat

import "time"

// Level classifies the severity of a detected threat.
type Level string

// Threat levels, lowest to highest.
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// levelWeight maps threat levels to confidence weights.
var levelWeight = map[Level]float64{
	LevelLow:      0.2,
	LevelMedium:   0.5,
	LevelHigh:     0.8,
	LevelCritical: 1.0,
}

// levelRank orders threat levels.
var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Max returns the higher of two levels.
func (l Level) Max(other Level) Level {
	if levelRank[other] > levelRank[l] {
		return other
	}
	return l
}

// Action is the recommended response to a detection.
type Action string

// Recommended actions, ordered by severity.
const (
	ActionLogOnly          Action = "log-only"
	ActionBlockRequest     Action = "block-request"
	ActionBlockAndThrottle Action = "block-and-throttle"
	ActionBlockAndAlert    Action = "block-and-alert"
)

// actionRank orders actions by severity.
var actionRank = map[Action]int{
	ActionLogOnly:          0,
	ActionBlockRequest:     1,
	ActionBlockAndThrottle: 2,
	ActionBlockAndAlert:    3,
}

// Max returns the more severe of two actions.
func (a Action) Max(other Action) Action {
	if actionRank[other] > actionRank[a] {
		return other
	}
	return a
}

// Blocks reports whether the action denies the request.
func (a Action) Blocks() bool {
	return actionRank[a] >= actionRank[ActionBlockRequest]
}

// DetectionResult is the per-request threat verdict.
type DetectionResult struct {
	// IsThreat reports whether any blocking rule matched.
	IsThreat bool
	// Level is the highest matched threat level.
	Level Level
	// MatchedRules lists the ids of all matched rules.
	MatchedRules []string
	// MonitoredRules lists monitoring-only matches (never block).
	MonitoredRules []string
	// Confidence is the rolled-up detection confidence in [0, 1].
	Confidence float64
	// Action is the recommended response, after per-client escalation.
	Action Action
	// Escalated reports that the client's repeat-offender record raised
	// the action above what the matched rules alone recommend.
	Escalated bool
	// Snippet is a truncated excerpt of the offending content.
	Snippet string
}

// ShouldBlock reports whether the result's action denies the request.
func ShouldBlock(result DetectionResult) bool {
	return result.Action.Blocks()
}

// ClientRecord tracks repeated threats from one client for escalation.
type ClientRecord struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	ThreatCount int
	MaxLevel    Level
}
