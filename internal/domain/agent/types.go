// Package agent holds the conversational pipeline's state and the value
// types flowing between its stages.
package agent

import "strings"

// Intent classifies what the user wants from their query.
type Intent string

// Query intents.
const (
	IntentCount   Intent = "COUNT"
	IntentList    Intent = "LIST"
	IntentCompare Intent = "COMPARE"
	IntentAnalyze Intent = "ANALYZE"
	IntentMeta    Intent = "META"
	IntentUnknown Intent = "UNKNOWN"
)

// ParseIntent normalizes an intent label. QUERY_RECORDS is a legacy alias
// for LIST kept for older clients.
func ParseIntent(s string) Intent {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COUNT":
		return IntentCount
	case "LIST", "QUERY_RECORDS":
		return IntentList
	case "COMPARE":
		return IntentCompare
	case "ANALYZE":
		return IntentAnalyze
	case "META":
		return IntentMeta
	default:
		return IntentUnknown
	}
}

// Entity is a span of the raw query the analyzer attributed meaning to.
type Entity struct {
	// Text is the matched span, as written by the user.
	Text string
	// Type classifies the span: model-hint, field-hint, filter-value,
	// count-subject, or comparison-target.
	Type string
	// Confidence is the extraction confidence in [0, 1].
	Confidence float64
}

// Entity types produced by the query analyzer.
const (
	EntityModelHint        = "model-hint"
	EntityFieldHint        = "field-hint"
	EntityFilterValue      = "filter-value"
	EntityCountSubject     = "count-subject"
	EntityComparisonTarget = "comparison-target"
)

// FieldMapping binds a query term to a canonical model field.
type FieldMapping struct {
	// Term is the user's wording.
	Term string
	// FieldID is the canonical (uppercased) field identifier.
	FieldID string
	// Confidence is the mapping confidence in [0, 1]. Mappings below
	// the filter threshold never become filters.
	Confidence float64
}

// QueryFilter is a single field constraint on a record query.
type QueryFilter struct {
	FieldID string
	// Operator is the hub comparison, EQUALS or CONTAINS.
	Operator string
	Value    string
}

// CanonicalQuery is the validated, model-bound query handed to the
// data-retrieval stage.
type CanonicalQuery struct {
	ModelID   string
	ModelName string
	Intent    Intent
	// Fields lists the canonical field ids to project. A COUNT query
	// projects exactly one field, never a wildcard.
	Fields  []string
	Filters []QueryFilter
	// Grouping is the comparison axis for COMPARE queries, applied
	// client-side since the hub only selects records.
	Grouping string
	Limit    int
}

// FormattedResponse is the user-facing outcome of a pipeline run.
type FormattedResponse struct {
	// ResponseType labels the shape: count, list, comparison, analysis,
	// metadata, or error.
	ResponseType string
	// Message is the natural-language answer.
	Message string
	// UserGuidance suggests how to proceed, set on errors and partial
	// results.
	UserGuidance string
	// Data carries structured payloads for clients that render them.
	Data map[string]any
}

// Response types.
const (
	ResponseCount      = "count"
	ResponseList       = "list"
	ResponseComparison = "comparison"
	ResponseAnalysis   = "analysis"
	ResponseMetadata   = "metadata"
	ResponseError      = "error"
)
