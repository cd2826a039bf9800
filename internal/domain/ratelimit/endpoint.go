package ratelimit

import "strings"

// RuleSet resolves endpoint patterns to rules and tracks whitelist behavior.
type RuleSet struct {
	rules            map[string]Rule
	whitelist        map[string]struct{}
	bypassEndpoints  map[string]struct{}
	defaultRule      Rule
	hasDefaultRule   bool
	wildcardPatterns []string
}

// NewRuleSet builds a RuleSet from configured endpoint patterns.
// The pattern "default" becomes the fallback rule.
func NewRuleSet(rules map[string]Rule, whitelist, bypassEndpoints []string) *RuleSet {
	rs := &RuleSet{
		rules:           make(map[string]Rule, len(rules)),
		whitelist:       make(map[string]struct{}, len(whitelist)),
		bypassEndpoints: make(map[string]struct{}, len(bypassEndpoints)),
	}
	for pattern, rule := range rules {
		if pattern == "default" {
			rs.defaultRule = rule
			rs.hasDefaultRule = true
			continue
		}
		rs.rules[pattern] = rule
		if strings.HasSuffix(pattern, "*") {
			rs.wildcardPatterns = append(rs.wildcardPatterns, pattern)
		}
	}
	for _, id := range whitelist {
		rs.whitelist[id] = struct{}{}
	}
	for _, ep := range bypassEndpoints {
		rs.bypassEndpoints[ep] = struct{}{}
	}
	return rs
}

// Resolve finds the rule for an endpoint.
// Match order: exact, prefix with trailing wildcard, substring, default.
func (rs *RuleSet) Resolve(endpoint string) (Rule, bool) {
	// Exact
	if rule, ok := rs.rules[endpoint]; ok {
		return rule, true
	}

	// Trailing-wildcard prefix
	for _, pattern := range rs.wildcardPatterns {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(endpoint, prefix) {
			return rs.rules[pattern], true
		}
	}

	// Substring
	for pattern, rule := range rs.rules {
		if strings.HasSuffix(pattern, "*") {
			continue
		}
		if strings.Contains(endpoint, pattern) {
			return rule, true
		}
	}

	if rs.hasDefaultRule {
		return rs.defaultRule, true
	}
	return Rule{}, false
}

// Bypasses reports whether the client skips limits for this endpoint.
// Whitelisted clients bypass everywhere EXCEPT bypass-aware endpoints,
// which exist so self-tests can verify limiting end to end.
func (rs *RuleSet) Bypasses(clientID, endpoint string) bool {
	if _, whitelisted := rs.whitelist[clientID]; !whitelisted {
		return false
	}
	_, bypassAware := rs.bypassEndpoints[endpoint]
	return !bypassAware
}
