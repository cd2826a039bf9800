package mdh

import (
	"reflect"
	"testing"
)

func testModel() *ModelDescriptor {
	return &ModelDescriptor{
		ID:                "model-1",
		Name:              "Advertisement",
		PublicationStatus: StatusPublished,
		LatestVersion:     3,
		Fields: []FieldDescriptor{
			{ID: "TITLE", Name: "title", Type: "string", Required: true},
			{ID: "BRAND", Name: "brand", Type: "string"},
			{ID: "AD_ID", Name: "adId", Type: "string", UniqueID: true},
		},
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"unset uses default", 0, DefaultQueryLimit},
		{"negative clamps to minimum", -5, MinQueryLimit},
		{"over maximum clamps down", 5000, MaxQueryLimit},
		{"in range unchanged", 250, 250},
		{"minimum allowed", 1, 1},
		{"maximum allowed", 1000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampLimit(tt.limit); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}

func TestNormalizeCanonicalizesFields(t *testing.T) {
	q := RecordQuery{
		ModelID: "model-1",
		Fields:  []string{"title", " brand "},
		Filters: []Filter{{FieldID: "brand", Value: "Sony"}},
		Limit:   -1,
	}
	q.Normalize()

	if !reflect.DeepEqual(q.Fields, []string{"TITLE", "BRAND"}) {
		t.Errorf("fields = %v, want canonical ids", q.Fields)
	}
	if q.Filters[0].FieldID != "BRAND" {
		t.Errorf("filter field = %q, want BRAND", q.Filters[0].FieldID)
	}
	if q.Limit != MinQueryLimit {
		t.Errorf("limit = %d, want %d", q.Limit, MinQueryLimit)
	}
}

func TestNormalizeDefaultsOperator(t *testing.T) {
	q := RecordQuery{
		ModelID: "model-1",
		Fields:  []string{"TITLE"},
		Filters: []Filter{
			{FieldID: "BRAND", Value: "Sony"},
			{FieldID: "TITLE", Operator: "contains", Value: "Walkman"},
		},
	}
	q.Normalize()

	if q.Filters[0].Operator != OperatorEquals {
		t.Errorf("empty operator = %q, want EQUALS", q.Filters[0].Operator)
	}
	if q.Filters[1].Operator != OperatorContains {
		t.Errorf("operator = %q, want uppercased CONTAINS", q.Filters[1].Operator)
	}
}

func TestKnownOperator(t *testing.T) {
	tests := []struct {
		op   string
		want bool
	}{
		{"", true},
		{"EQUALS", true},
		{"equals", true},
		{"CONTAINS", true},
		{"contains", true},
		{"GREATER_THAN", false},
		{"LIKE", false},
	}
	for _, tt := range tests {
		if got := KnownOperator(tt.op); got != tt.want {
			t.Errorf("KnownOperator(%q) = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestCanonicalFieldID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"adId", "AD_ID"},
		{"AdId", "AD_ID"},
		{"AD_ID", "AD_ID"},
		{"Ad Id", "AD_ID"},
		{"advertiserName", "ADVERTISER_NAME"},
		{"brand", "BRAND"},
		{"product-line", "PRODUCT_LINE"},
		{" title ", "TITLE"},
	}
	for _, tt := range tests {
		if got := CanonicalFieldID(tt.name); got != tt.want {
			t.Errorf("CanonicalFieldID(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestValidateAgainstDropsUnknownFields(t *testing.T) {
	model := testModel()
	q := RecordQuery{
		Fields:  []string{"TITLE", "NOPE"},
		Filters: []Filter{{FieldID: "BRAND", Value: "Sony"}, {FieldID: "GHOST", Value: "x"}},
	}

	dropped := q.ValidateAgainst(model)

	if !reflect.DeepEqual(dropped, []string{"NOPE", "GHOST"}) {
		t.Errorf("dropped = %v, want [NOPE GHOST]", dropped)
	}
	if !reflect.DeepEqual(q.Fields, []string{"TITLE"}) {
		t.Errorf("fields = %v, want [TITLE]", q.Fields)
	}
	if len(q.Filters) != 1 || q.Filters[0].FieldID != "BRAND" {
		t.Errorf("filters = %v, want only BRAND", q.Filters)
	}
}

func TestModelFieldLookup(t *testing.T) {
	model := testModel()

	if _, ok := model.FieldByID("title"); !ok {
		t.Error("FieldByID must match case-insensitively")
	}
	if _, ok := model.FieldByID("missing"); ok {
		t.Error("FieldByID matched a field the model does not have")
	}

	f, ok := model.UniqueIDField()
	if !ok || f.ID != "AD_ID" {
		t.Errorf("unique id field = %+v, want AD_ID", f)
	}
	if !model.Published() {
		t.Error("model with publish status must report Published")
	}
}
