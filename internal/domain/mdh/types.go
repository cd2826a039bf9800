// Package mdh holds the master-data-hub domain model: model descriptors,
// record queries, and result sets.
package mdh

import (
	"strings"
	"unicode"
)

// Publication states of a model.
const (
	StatusPublished = "publish"
	StatusDraft     = "draft"
)

// FieldDescriptor describes one field of a model.
type FieldDescriptor struct {
	// ID is the canonical, uppercased field identifier.
	ID string
	// Name is the field name exactly as the hub reported it.
	Name string
	// Type is the hub's field type label.
	Type string
	// Required marks mandatory fields.
	Required bool
	// Repeatable marks multi-valued fields.
	Repeatable bool
	// UniqueID marks the model's identifying field.
	UniqueID bool
}

// ModelDescriptor describes a model registered in the hub.
type ModelDescriptor struct {
	ID                string
	Name              string
	PublicationStatus string
	LatestVersion     int
	Fields            []FieldDescriptor
	Sources           []string
	MatchRules        []string
	RecordTitleFields []string
}

// Published reports whether the model's latest version is published.
func (m *ModelDescriptor) Published() bool {
	return m.PublicationStatus == StatusPublished
}

// FieldByID looks a field up by canonical id, case-insensitively.
func (m *ModelDescriptor) FieldByID(id string) (FieldDescriptor, bool) {
	for _, f := range m.Fields {
		if strings.EqualFold(f.ID, id) {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// FieldIDs returns the canonical ids of all fields.
func (m *ModelDescriptor) FieldIDs() []string {
	ids := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		ids[i] = f.ID
	}
	return ids
}

// UniqueIDField returns the model's identifying field, if declared.
func (m *ModelDescriptor) UniqueIDField() (FieldDescriptor, bool) {
	for _, f := range m.Fields {
		if f.UniqueID {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// CanonicalFieldID uppercases a field name into its canonical id form.
// CamelCase word boundaries become underscores, so "adId" and "AD_ID"
// canonicalize to the same id.
func CanonicalFieldID(name string) string {
	name = strings.TrimSpace(name)

	var b strings.Builder
	b.Grow(len(name) + 4)
	var prev rune
	for i, r := range name {
		switch {
		case r == ' ' || r == '-':
			b.WriteByte('_')
		case i > 0 && unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return strings.ToUpper(b.String())
}

// ResultMetadata is the paging envelope of a record query response.
type ResultMetadata struct {
	// ResultCount is the number of records in this page.
	ResultCount int `json:"result_count"`
	// TotalCount is the total number of matching records.
	TotalCount int `json:"total_count"`
	// OffsetToken resumes paging when more records remain.
	OffsetToken string `json:"offset_token,omitempty"`
	// HasMore reports whether the page was partial.
	HasMore bool `json:"has_more"`
}

// RecordSet is one page of query results. Record keys are canonical
// field ids; the hub's record identifier is stored under "_record_id".
type RecordSet struct {
	Records  []map[string]any `json:"records"`
	Metadata ResultMetadata   `json:"metadata"`
}

// RecordIDKey is the reserved record-identifier key in result records.
const RecordIDKey = "_record_id"
