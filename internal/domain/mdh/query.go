package mdh

import "strings"

// Record query limits.
const (
	MinQueryLimit     = 1
	MaxQueryLimit     = 1000
	DefaultQueryLimit = 100
)

// Filter operators the hub understands.
const (
	OperatorEquals   = "EQUALS"
	OperatorContains = "CONTAINS"
)

// KnownOperator reports whether op names a supported filter operator.
// The empty string counts: it defaults to EQUALS during normalization.
func KnownOperator(op string) bool {
	switch strings.ToUpper(op) {
	case "", OperatorEquals, OperatorContains:
		return true
	}
	return false
}

// Filter is a single field constraint. Filters combine with AND.
type Filter struct {
	FieldID  string
	Operator string
	Value    string
}

// RecordQuery is a validated query against one model.
type RecordQuery struct {
	ModelID     string
	Fields      []string
	Filters     []Filter
	Limit       int
	OffsetToken string
}

// ClampLimit forces a requested limit into the allowed range. Zero (the
// unset value) becomes the default.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultQueryLimit
	case limit < MinQueryLimit:
		return MinQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return limit
}

// Normalize canonicalizes field ids, uppercases filter operators with
// EQUALS as the default, and clamps the limit in place.
func (q *RecordQuery) Normalize() {
	q.Limit = ClampLimit(q.Limit)
	for i, f := range q.Fields {
		q.Fields[i] = CanonicalFieldID(f)
	}
	for i, f := range q.Filters {
		q.Filters[i].FieldID = CanonicalFieldID(f.FieldID)
		op := strings.ToUpper(f.Operator)
		if op == "" {
			op = OperatorEquals
		}
		q.Filters[i].Operator = op
	}
}

// ValidateAgainst drops projections and filters naming fields the model
// does not have and returns the dropped field ids. The query itself never
// fails on an unknown field; the caller reports drops to the audit trail.
func (q *RecordQuery) ValidateAgainst(model *ModelDescriptor) (dropped []string) {
	fields := q.Fields[:0]
	for _, id := range q.Fields {
		if _, ok := model.FieldByID(id); ok {
			fields = append(fields, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	q.Fields = fields

	filters := q.Filters[:0]
	for _, f := range q.Filters {
		if _, ok := model.FieldByID(f.FieldID); ok {
			filters = append(filters, f)
		} else {
			dropped = append(dropped, f.FieldID)
		}
	}
	q.Filters = filters

	return dropped
}
