package semantic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseVerdict decodes the advisory model's response. The model is asked
// for bare JSON but occasionally wraps it in a fenced code block; both
// forms are accepted. Out-of-range scores and unknown actions are
// rejected so a malformed response never drives a security decision.
func ParseVerdict(raw string) (AdvisorVerdict, error) {
	payload := strings.TrimSpace(raw)
	if block, ok := fencedBlock(payload); ok {
		payload = block
	}

	var v AdvisorVerdict
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return AdvisorVerdict{}, fmt.Errorf("decode advisory verdict: %w", err)
	}

	if v.Confidence < 0 || v.Confidence > 1 {
		return AdvisorVerdict{}, fmt.Errorf("advisory confidence %f out of range", v.Confidence)
	}
	if v.SubtletyScore < 0 || v.SubtletyScore > 1 {
		return AdvisorVerdict{}, fmt.Errorf("advisory subtlety score %f out of range", v.SubtletyScore)
	}
	if v.BusinessLegitimacy < 0 || v.BusinessLegitimacy > 1 {
		return AdvisorVerdict{}, fmt.Errorf("advisory business legitimacy %f out of range", v.BusinessLegitimacy)
	}
	if _, ok := actionFromString(v.SecurityAction); v.SecurityAction != "" && !ok {
		return AdvisorVerdict{}, fmt.Errorf("unknown security action %q", v.SecurityAction)
	}

	return v, nil
}

// fencedBlock extracts the body of the first ``` fence, tolerating an
// optional language tag.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop a language tag such as "json".
		if tag := strings.TrimSpace(rest[:nl]); tag == "" || !strings.ContainsAny(tag, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
