package threat

import "regexp"

// Rule is a single detection pattern.
type Rule struct {
	// ID identifies the rule in verdicts and audit events.
	ID string
	// Level is the threat level assigned on match.
	Level Level
	// Action is the recommended response on match.
	Action Action
	// Pattern is the compiled detection regex.
	Pattern *regexp.Regexp
	// MonitorOnly rules are tracked in results but never block.
	MonitorOnly bool
}

// rule is the compact table form converted by builtinRules().
type rule struct {
	id          string
	level       Level
	action      Action
	pattern     string
	monitorOnly bool
}

// builtinRules returns the default detection rule table.
// Categories: instruction override, role manipulation, system-prompt and
// tag injection, data exfiltration, bypass keywords, developer-mode
// activation, code/SQL injection, and urgency/authority social engineering.
func builtinRules() []Rule {
	defs := []rule{
		// Instruction override
		{
			id: "ignore_previous_instructions", level: LevelCritical, action: ActionBlockAndAlert,
			pattern: `(?i)ignore\s+(all\s+|your\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`,
		},
		{
			id: "disregard_instructions", level: LevelCritical, action: ActionBlockAndAlert,
			pattern: `(?i)(disregard|forget|discard|override)\s+(all\s+|your\s+)?(previous|prior|system|original)\s+(instructions?|prompts?|rules?|programming)`,
		},
		{
			id: "new_instructions", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)(new|updated|revised)\s+instructions?\s*[:\-]`,
		},

		// Role manipulation
		{
			id: "role_manipulation", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\s+(a\s+|an\s+)?(?:different|new|unrestricted|evil|jailbroken|dan\b)`,
		},
		{
			id: "persona_switch", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)from\s+now\s+on\s+you\s+(are|will\s+be|must\s+act)`,
		},

		// System prompt / tag injection
		{
			id: "system_prompt_revelation", level: LevelCritical, action: ActionBlockAndAlert,
			pattern: `(?i)(reveal|show|print|display|repeat|output)\s+(your\s+|the\s+)?(system\s+prompt|initial\s+prompt|instructions|configuration)`,
		},
		{
			id: "tag_injection", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)<\s*/?\s*(system|assistant|instructions?|sys)\s*>`,
		},

		// Data exfiltration
		{
			id: "data_exfiltration", level: LevelHigh, action: ActionBlockAndThrottle,
			pattern: `(?i)(dump|export|exfiltrate|leak)\s+(all\s+|the\s+)?(database|credentials?|passwords?|secrets?|tokens?|records)`,
		},
		{
			id: "credential_probe", level: LevelHigh, action: ActionBlockAndThrottle,
			pattern: `(?i)(what|show|tell)\s+(is|me)\s+(your|the)\s+(api[\s_-]?key|password|secret|credential)`,
		},

		// Bypass keywords
		{
			id: "bypass_keywords", level: LevelMedium, action: ActionBlockRequest,
			pattern: `(?i)\b(bypass|circumvent|disable|deactivate)\s+(the\s+)?(security|safety|filter|guard|restriction)s?\b`,
		},
		{
			id: "jailbreak_keyword", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)\b(jailbreak|jail\s*break|do\s+anything\s+now)\b`,
		},

		// Developer mode
		{
			id: "developer_mode", level: LevelHigh, action: ActionBlockRequest,
			pattern: `(?i)(developer|debug|god|sudo|admin)\s+mode\s+(enabled?|activated?|on)\b`,
		},

		// Code / SQL injection
		{
			id: "sql_injection", level: LevelHigh, action: ActionBlockAndThrottle,
			pattern: `(?i)(union\s+select|;\s*drop\s+table|'\s*or\s+'?1'?\s*=\s*'?1|--\s*$|exec\s*\(\s*xp_)`,
		},
		{
			id: "code_injection", level: LevelMedium, action: ActionBlockRequest,
			pattern: "(?i)(`{3}|<script|eval\\s*\\(|__import__|subprocess\\.|os\\.system)",
		},

		// Social engineering (monitoring by default, urgency alone is weak signal)
		{
			id: "urgency_pressure", level: LevelLow, action: ActionLogOnly,
			pattern:     `(?i)\b(urgent(ly)?|immediately|right\s+now|asap|emergency)\b`,
			monitorOnly: true,
		},
		{
			id: "authority_claim", level: LevelMedium, action: ActionLogOnly,
			pattern:     `(?i)\b(i\s+am\s+(the\s+)?(ceo|admin(istrator)?|owner|developer|your\s+creator)|on\s+behalf\s+of\s+(the\s+)?(ceo|management))\b`,
			monitorOnly: true,
		},
	}

	rules := make([]Rule, 0, len(defs))
	for _, d := range defs {
		rules = append(rules, Rule{
			ID:          d.id,
			Level:       d.level,
			Action:      d.action,
			Pattern:     regexp.MustCompile(d.pattern),
			MonitorOnly: d.monitorOnly,
		})
	}
	return rules
}
