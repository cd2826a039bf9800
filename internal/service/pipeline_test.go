package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
)

func readAllPrincipal() *auth.Principal {
	return &auth.Principal{
		Subject:       "alice",
		Role:          auth.RoleManager,
		Permissions:   []string{auth.ScopeReadAll},
		HasDataAccess: true,
	}
}

func approvedState(t *testing.T, query string) *agent.State {
	t.Helper()
	s := agent.NewState("req-1", "conv-1", query, readAllPrincipal())
	for _, c := range []agent.Clearance{
		agent.ClearanceLayer1, agent.ClearanceLayer2,
		agent.ClearanceLayer3, agent.ClearanceApproved,
	} {
		if err := s.Advance(c); err != nil {
			t.Fatalf("Advance(%s): %v", c, err)
		}
	}
	return s
}

func TestAnalyzeQueryIntents(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	tests := []struct {
		query string
		want  agent.Intent
	}{
		{"how many products does Sony have?", agent.IntentCount},
		{"Count the campaigns", agent.IntentCount},
		{"what is the number of users", agent.IntentCount},
		{"compare Sony and Samsung", agent.IntentCompare},
		{"analyze the trend in engagements", agent.IntentAnalyze},
		{"list the campaigns for Acme", agent.IntentList},
		{"show me all products", agent.IntentList},
		{"what models are available?", agent.IntentMeta},
		{"what fields does Product have?", agent.IntentMeta},
		{"test the connection", agent.IntentMeta},
		{"asdf qwerty", agent.IntentUnknown},
	}
	for _, tt := range tests {
		s := agent.NewState("r", "c", tt.query, readAllPrincipal())
		if err := p.AnalyzeQuery(context.Background(), s); err != nil {
			t.Fatalf("AnalyzeQuery(%q): %v", tt.query, err)
		}
		if s.Intent != tt.want {
			t.Errorf("AnalyzeQuery(%q) intent = %s, want %s", tt.query, s.Intent, tt.want)
		}
	}
}

func TestAnalyzeQueryEntities(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", `how many products does Sony have?`, readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}

	var foundSubject, foundSony bool
	for _, e := range s.Entities {
		if e.Type == agent.EntityCountSubject && e.Text == "products" {
			foundSubject = true
		}
		if e.Type == agent.EntityFilterValue && e.Text == "Sony" {
			foundSony = true
		}
	}
	if !foundSubject {
		t.Error("count subject 'products' not extracted")
	}
	if !foundSony {
		t.Error("filter value 'Sony' not extracted")
	}
}

func TestAnalyzeQueryQuotedFilter(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", `list products named "Walkman Pro"`, readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}

	found := false
	for _, e := range s.Entities {
		if e.Type == agent.EntityFilterValue && e.Text == "Walkman Pro" && e.Confidence == 0.9 {
			found = true
		}
	}
	if !found {
		t.Errorf("quoted filter value not extracted, entities = %+v", s.Entities)
	}
}

func TestDiscoverModelsSelectsByName(t *testing.T) {
	hub := &fakeHub{models: []*mdh.ModelDescriptor{productModel(), campaignModel()}}
	p := NewPipeline(hub, config.FeatureConfig{})

	s := agent.NewState("r", "c", "how many products does Sony have?", readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}
	if err := p.DiscoverModels(context.Background(), s); err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if s.SelectedModel == nil || s.SelectedModel.Name != "Product" {
		t.Fatalf("SelectedModel = %+v, want Product", s.SelectedModel)
	}
}

func TestDiscoverModelsNoMatch(t *testing.T) {
	hub := &fakeHub{models: []*mdh.ModelDescriptor{productModel(), campaignModel()}}
	p := NewPipeline(hub, config.FeatureConfig{})

	s := agent.NewState("r", "c", "how many starships are there?", readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}
	err := p.DiscoverModels(context.Background(), s)
	if !fault.Is(err, fault.ModelNotFound) {
		t.Fatalf("DiscoverModels err = %v, want MODEL_NOT_FOUND", err)
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		if !strings.Contains(f.Guidance, "Campaign") || !strings.Contains(f.Guidance, "Product") {
			t.Errorf("guidance should name available models, got %q", f.Guidance)
		}
	}
}

func TestDiscoverModelsScopeDenied(t *testing.T) {
	hub := &fakeHub{models: []*mdh.ModelDescriptor{productModel(), campaignModel()}}
	p := NewPipeline(hub, config.FeatureConfig{})

	principal := &auth.Principal{
		Subject:       "bob",
		Role:          auth.RoleClerk,
		Permissions:   []string{"read:campaign"},
		HasDataAccess: true,
	}
	s := agent.NewState("r", "c", "how many products are there?", principal)
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}
	err := p.DiscoverModels(context.Background(), s)
	if !fault.Is(err, fault.AuthInsufficientScope) {
		t.Fatalf("DiscoverModels err = %v, want AUTH_INSUFFICIENT_SCOPE", err)
	}
}

func TestDiscoverModelsMetaKeepsAll(t *testing.T) {
	hub := &fakeHub{models: []*mdh.ModelDescriptor{productModel(), campaignModel()}}
	p := NewPipeline(hub, config.FeatureConfig{})

	s := agent.NewState("r", "c", "what models are available?", readAllPrincipal())
	s.Intent = agent.IntentMeta
	if err := p.DiscoverModels(context.Background(), s); err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(s.Models) != 2 {
		t.Errorf("Models = %d, want 2", len(s.Models))
	}
	if s.SelectedModel != nil {
		t.Error("META queries should not bind a model")
	}
}

func TestMapFieldsSkipsGenericNouns(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "how many products does Sony have?", readAllPrincipal())
	s.SelectedModel = productModel()
	s.Entities = []agent.Entity{
		{Text: "products", Type: agent.EntityFilterValue, Confidence: 0.9},
		{Text: "Sony", Type: agent.EntityFilterValue, Confidence: 0.8},
	}
	if err := p.MapFields(context.Background(), s); err != nil {
		t.Fatalf("MapFields: %v", err)
	}

	if len(s.Mappings) != 1 {
		t.Fatalf("Mappings = %+v, want exactly the Sony mapping", s.Mappings)
	}
	if s.Mappings[0].Term != "Sony" || s.Mappings[0].FieldID != "NAME" {
		t.Errorf("mapping = %+v, want Sony -> NAME", s.Mappings[0])
	}
}

func TestMapFieldsSkipsModelName(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "list the products", readAllPrincipal())
	s.SelectedModel = productModel()
	s.Entities = []agent.Entity{
		{Text: "Product", Type: agent.EntityFilterValue, Confidence: 0.9},
	}
	if err := p.MapFields(context.Background(), s); err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if len(s.Mappings) != 0 {
		t.Errorf("model name became a filter mapping: %+v", s.Mappings)
	}
}

func TestBuildQueryCountProjectsOneField(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "how many products?", readAllPrincipal())
	s.Intent = agent.IntentCount
	s.SelectedModel = productModel()
	if err := p.BuildQuery(context.Background(), s); err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}

	if len(s.Query.Fields) != 1 || s.Query.Fields[0] != "PRODUCTID" {
		t.Errorf("COUNT fields = %v, want exactly [PRODUCTID]", s.Query.Fields)
	}
	if s.Query.Limit != 1 {
		t.Errorf("COUNT limit = %d, want 1", s.Query.Limit)
	}
}

func TestBuildQueryFilterThreshold(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "list products", readAllPrincipal())
	s.Intent = agent.IntentList
	s.SelectedModel = productModel()
	s.Mappings = []agent.FieldMapping{
		{Term: "Sony", FieldID: "NAME", Confidence: 0.76},
		{Term: "maybe", FieldID: "BRAND", Confidence: 0.4},
	}
	if err := p.BuildQuery(context.Background(), s); err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}

	if len(s.Query.Filters) != 1 || s.Query.Filters[0].Value != "Sony" {
		t.Errorf("Filters = %+v, want only the confident Sony filter", s.Query.Filters)
	}
	found := false
	for _, f := range s.SecurityFlags {
		if f == "low-confidence-mapping:BRAND" {
			found = true
		}
	}
	if !found {
		t.Errorf("low-confidence mapping not flagged, flags = %v", s.SecurityFlags)
	}
}

func TestBuildQueryDropsUnknownFields(t *testing.T) {
	rec := &captureRecorder{}
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{}, WithPipelineRecorder(rec))

	s := agent.NewState("r", "c", "list products", readAllPrincipal())
	s.Intent = agent.IntentList
	s.SelectedModel = productModel()
	s.Mappings = []agent.FieldMapping{
		{Term: "x", FieldID: "NO_SUCH_FIELD", Confidence: 0.9},
	}
	if err := p.BuildQuery(context.Background(), s); err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}

	if len(s.Query.Filters) != 0 {
		t.Errorf("unknown-field filter survived: %+v", s.Query.Filters)
	}
	if got := rec.byType(audit.EventTypeFilterDropped); len(got) != 1 {
		t.Errorf("filter_dropped events = %d, want 1", len(got))
	}
}

func TestBuildQueryCountOnFieldlessModel(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "how many widgets?", readAllPrincipal())
	s.Intent = agent.IntentCount
	s.SelectedModel = &mdh.ModelDescriptor{
		ID:                "model-empty",
		Name:              "Widget",
		PublicationStatus: mdh.StatusPublished,
	}

	err := p.BuildQuery(context.Background(), s)
	if !fault.Is(err, fault.QueryBuildInvalid) {
		t.Fatalf("BuildQuery on field-less model err = %v, want QUERY_BUILD_INVALID", err)
	}
}

func TestBuildQueryFilterOperators(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	model := &mdh.ModelDescriptor{
		ID:                "model-3",
		Name:              "Advertisement",
		PublicationStatus: mdh.StatusPublished,
		Fields: []mdh.FieldDescriptor{
			{ID: "AD_ID", Name: "Ad Id", Type: "string", Required: true, UniqueID: true},
			{ID: "BRAND", Name: "Brand", Type: "string"},
			{ID: "PRODUCT", Name: "Product", Type: "string"},
		},
	}
	s := agent.NewState("r", "c", "list advertisements", readAllPrincipal())
	s.Intent = agent.IntentList
	s.SelectedModel = model
	s.Mappings = []agent.FieldMapping{
		{Term: "Sony", FieldID: "BRAND", Confidence: 0.9},
		{Term: "headphones", FieldID: "PRODUCT", Confidence: 0.9},
	}
	if err := p.BuildQuery(context.Background(), s); err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}

	ops := map[string]string{}
	for _, f := range s.Query.Filters {
		ops[f.FieldID] = f.Operator
	}
	if ops["BRAND"] != mdh.OperatorEquals {
		t.Errorf("BRAND operator = %q, want EQUALS", ops["BRAND"])
	}
	if ops["PRODUCT"] != mdh.OperatorContains {
		t.Errorf("PRODUCT operator = %q, want CONTAINS", ops["PRODUCT"])
	}
}

func TestBuildQueryCompareSetsGrouping(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "compare Sony and Samsung products", readAllPrincipal())
	s.Intent = agent.IntentCompare
	s.SelectedModel = productModel()
	if err := p.BuildQuery(context.Background(), s); err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}

	if s.Query.Grouping != "BRAND" {
		t.Errorf("Grouping = %q, want BRAND", s.Query.Grouping)
	}
	found := false
	for _, f := range s.Query.Fields {
		if f == "BRAND" {
			found = true
		}
	}
	if !found {
		t.Errorf("grouping field not projected, fields = %v", s.Query.Fields)
	}
}

func TestRetrieveDataRequiresApproval(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "list products", readAllPrincipal())
	s.Query = &agent.CanonicalQuery{ModelID: "model-1", Fields: []string{"NAME"}, Limit: 10}
	err := p.RetrieveData(context.Background(), s)
	if !fault.Is(err, fault.Internal) {
		t.Fatalf("RetrieveData without approval err = %v, want INTERNAL", err)
	}
}

func TestRetrieveDataCacheHit(t *testing.T) {
	hub := &fakeHub{results: &mdh.RecordSet{
		Records:  []map[string]any{{"NAME": "Walkman"}},
		Metadata: mdh.ResultMetadata{ResultCount: 1, TotalCount: 1},
	}}
	cache := newTestResultCache()
	p := NewPipeline(hub, config.FeatureConfig{}, WithResultCache(cache))

	run := func() {
		s := approvedState(t, "list products")
		s.Query = &agent.CanonicalQuery{ModelID: "model-1", Fields: []string{"NAME"}, Limit: 10}
		if err := p.RetrieveData(context.Background(), s); err != nil {
			t.Fatalf("RetrieveData: %v", err)
		}
	}
	run()
	run()

	if hub.queryCalls != 1 {
		t.Errorf("hub queried %d times, want 1 (second call cached)", hub.queryCalls)
	}
}

func TestGenerateResponseCountUsesTotal(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := approvedState(t, "how many products does Sony have?")
	s.Intent = agent.IntentCount
	s.Entities = []agent.Entity{{Text: "products", Type: agent.EntityCountSubject, Confidence: 0.8}}
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentCount}
	if err := s.SetResults(&mdh.RecordSet{
		Records:  []map[string]any{{"PRODUCTID": "p1"}},
		Metadata: mdh.ResultMetadata{ResultCount: 1, TotalCount: 42, HasMore: true},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.ResponseType != agent.ResponseCount {
		t.Errorf("ResponseType = %s, want count", s.Response.ResponseType)
	}
	if s.Response.Message != "I found 42 products." {
		t.Errorf("Message = %q, want the total count, not the page size", s.Response.Message)
	}
}

func TestGenerateResponseListEnumerates(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := approvedState(t, "list products")
	s.Intent = agent.IntentList
	s.SelectedModel = productModel()
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentList}
	if err := s.SetResults(&mdh.RecordSet{
		Records: []map[string]any{
			{"NAME": "Walkman", "_record_id": "r1"},
			{"NAME": "Bravia", "_record_id": "r2"},
		},
		Metadata: mdh.ResultMetadata{ResultCount: 2, TotalCount: 2},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if !strings.Contains(s.Response.Message, "Walkman") || !strings.Contains(s.Response.Message, "Bravia") {
		t.Errorf("list response missing record labels: %q", s.Response.Message)
	}
}

func TestGenerateResponseLargeResultSummarizes(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	records := make([]map[string]any, 100)
	for i := range records {
		records[i] = map[string]any{"NAME": "Item"}
	}
	s := approvedState(t, "list products")
	s.Intent = agent.IntentList
	s.SelectedModel = productModel()
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentList}
	if err := s.SetResults(&mdh.RecordSet{
		Records:  records,
		Metadata: mdh.ResultMetadata{ResultCount: 100, TotalCount: 5000, HasMore: true},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if !strings.Contains(s.Response.Message, "5000") {
		t.Errorf("summary should state the total: %q", s.Response.Message)
	}
	if strings.Count(s.Response.Message, "Item") > 1 {
		t.Errorf("large result should summarize, not enumerate: %q", s.Response.Message)
	}
	summary, ok := s.Response.Data["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary missing from large result data: %+v", s.Response.Data)
	}
	nameStats, ok := summary["NAME"].(map[string]any)
	if !ok || nameStats["unique_values"] != 1 {
		t.Errorf("NAME summary = %+v, want 1 unique value", summary["NAME"])
	}
}

func TestGenerateResponseComparisonGroups(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := approvedState(t, "compare Sony and Samsung products")
	s.Intent = agent.IntentCompare
	s.SelectedModel = productModel()
	s.Query = &agent.CanonicalQuery{
		ModelName: "Product",
		Intent:    agent.IntentCompare,
		Grouping:  "BRAND",
	}
	if err := s.SetResults(&mdh.RecordSet{
		Records: []map[string]any{
			{"NAME": "Walkman", "BRAND": "Sony"},
			{"NAME": "Bravia", "BRAND": "Sony"},
			{"NAME": "Galaxy", "BRAND": "Samsung"},
		},
		Metadata: mdh.ResultMetadata{ResultCount: 3, TotalCount: 3},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.ResponseType != agent.ResponseComparison {
		t.Errorf("ResponseType = %s, want comparison", s.Response.ResponseType)
	}
	if !strings.Contains(s.Response.Message, "Sony: 2") || !strings.Contains(s.Response.Message, "Samsung: 1") {
		t.Errorf("comparison table missing group counts: %q", s.Response.Message)
	}
	groups, ok := s.Response.Data["groups"].(map[string]int)
	if !ok || groups["Sony"] != 2 || groups["Samsung"] != 1 {
		t.Errorf("groups = %+v, want Sony:2 Samsung:1", s.Response.Data["groups"])
	}
}

func TestGenerateResponseAnalysisStats(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := approvedState(t, "analyze the products")
	s.Intent = agent.IntentAnalyze
	s.SelectedModel = productModel()
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentAnalyze}
	if err := s.SetResults(&mdh.RecordSet{
		Records: []map[string]any{
			{"BRAND": "Sony", "PRICE": "10"},
			{"BRAND": "Sony", "PRICE": "20"},
			{"BRAND": "LG", "PRICE": "30"},
		},
		Metadata: mdh.ResultMetadata{ResultCount: 3, TotalCount: 3},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.ResponseType != agent.ResponseAnalysis {
		t.Errorf("ResponseType = %s, want analysis", s.Response.ResponseType)
	}
	summary, ok := s.Response.Data["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary missing from analysis data: %+v", s.Response.Data)
	}
	price, ok := summary["PRICE"].(map[string]any)
	if !ok {
		t.Fatalf("PRICE summary missing: %+v", summary)
	}
	if price["min"] != 10.0 || price["max"] != 30.0 || price["avg"] != 20.0 {
		t.Errorf("PRICE stats = %+v, want min 10 max 30 avg 20", price)
	}
	brand, ok := summary["BRAND"].(map[string]any)
	if !ok || brand["unique_values"] != 2 {
		t.Errorf("BRAND summary = %+v, want 2 unique values", summary["BRAND"])
	}
}

func TestAnalyzeQueryLLMRefinesUnknownIntent(t *testing.T) {
	llm := &fakeLLM{reply: "COUNT"}
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{}, WithLLM(llm))

	s := agent.NewState("r", "c", "asdf qwerty", readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}

	if s.Intent != agent.IntentCount {
		t.Errorf("Intent = %s, want COUNT from the language model", s.Intent)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", llm.calls)
	}
	found := false
	for _, f := range s.SecurityFlags {
		if f == "llm-intent-refined" {
			found = true
		}
	}
	if !found {
		t.Errorf("refinement not flagged, flags = %v", s.SecurityFlags)
	}
}

func TestAnalyzeQueryLLMFailureFallsBack(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model overloaded")}
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{}, WithLLM(llm))

	s := agent.NewState("r", "c", "asdf qwerty", readAllPrincipal())
	if err := p.AnalyzeQuery(context.Background(), s); err != nil {
		t.Fatalf("AnalyzeQuery: %v", err)
	}

	if s.Intent != agent.IntentUnknown {
		t.Errorf("Intent = %s, want UNKNOWN after llm failure", s.Intent)
	}
	found := false
	for _, f := range s.SecurityFlags {
		if f == "llm-analysis-unavailable" {
			found = true
		}
	}
	if !found {
		t.Errorf("llm failure not flagged, flags = %v", s.SecurityFlags)
	}
}

func TestGenerateResponseLLMPolishesMessage(t *testing.T) {
	llm := &fakeLLM{reply: "Sony offers 42 products."}
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{}, WithLLM(llm))

	s := approvedState(t, "how many products does Sony have?")
	s.Intent = agent.IntentCount
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentCount}
	if err := s.SetResults(&mdh.RecordSet{
		Records:  []map[string]any{{"PRODUCTID": "p1"}},
		Metadata: mdh.ResultMetadata{ResultCount: 1, TotalCount: 42},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.Message != "Sony offers 42 products." {
		t.Errorf("Message = %q, want the rephrased sentence", s.Response.Message)
	}
	if s.Response.ResponseType != agent.ResponseCount {
		t.Errorf("ResponseType = %s, polish must not change the type", s.Response.ResponseType)
	}
	if s.Response.Data["count"] != 42 {
		t.Errorf("count = %v, structured data must stay rule-built", s.Response.Data["count"])
	}
}

func TestGenerateResponseLLMFailureKeepsWording(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model overloaded")}
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{}, WithLLM(llm))

	s := approvedState(t, "how many products?")
	s.Intent = agent.IntentCount
	s.Entities = []agent.Entity{{Text: "products", Type: agent.EntityCountSubject, Confidence: 0.8}}
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentCount}
	if err := s.SetResults(&mdh.RecordSet{
		Records:  []map[string]any{{"PRODUCTID": "p1"}},
		Metadata: mdh.ResultMetadata{ResultCount: 1, TotalCount: 42},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.Message != "I found 42 products." {
		t.Errorf("Message = %q, want the rule-built wording after llm failure", s.Response.Message)
	}
}

func TestGenerateResponseErrorCarriesGuidance(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "list products", readAllPrincipal())
	s.Err = fault.New(fault.MDHUnauthorized, "hub rejected the gateway credentials").
		WithGuidance("Check mdh.username and mdh.password in the gateway configuration.")

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if s.Response.ResponseType != "MDH_UNAUTHORIZED" {
		t.Errorf("ResponseType = %s, want MDH_UNAUTHORIZED", s.Response.ResponseType)
	}
	if !strings.Contains(s.Response.UserGuidance, "mdh.username") {
		t.Errorf("guidance lost: %q", s.Response.UserGuidance)
	}
	if s.Response.Data["error_kind"] != "MDH_UNAUTHORIZED" {
		t.Errorf("error_kind = %v", s.Response.Data["error_kind"])
	}
}

func TestGenerateResponseMetaListsModels(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{})

	s := agent.NewState("r", "c", "what models are available?", readAllPrincipal())
	s.Intent = agent.IntentMeta
	s.Models = []*mdh.ModelDescriptor{productModel(), campaignModel()}

	if err := p.GenerateResponse(context.Background(), s); err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if !strings.Contains(s.Response.Message, "Campaign") || !strings.Contains(s.Response.Message, "Product") {
		t.Errorf("meta response missing model names: %q", s.Response.Message)
	}
}

func TestGenerateInsightsPaging(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{ProactiveInsights: true})

	s := approvedState(t, "list products")
	s.Query = &agent.CanonicalQuery{ModelName: "Product"}
	if err := s.SetResults(&mdh.RecordSet{
		Records:  []map[string]any{{"NAME": "Walkman"}},
		Metadata: mdh.ResultMetadata{ResultCount: 1, TotalCount: 50, HasMore: true},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}

	if err := p.GenerateInsights(context.Background(), s); err != nil {
		t.Fatalf("GenerateInsights: %v", err)
	}
	if len(s.Insights) == 0 {
		t.Fatal("expected a paging insight")
	}
}

func TestGenerateInsightsDisabled(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{ProactiveInsights: false})

	s := approvedState(t, "list products")
	s.Query = &agent.CanonicalQuery{ModelName: "Product"}
	if err := s.SetResults(&mdh.RecordSet{
		Metadata: mdh.ResultMetadata{HasMore: true, TotalCount: 10},
	}); err != nil {
		t.Fatalf("SetResults: %v", err)
	}
	if err := p.GenerateInsights(context.Background(), s); err != nil {
		t.Fatalf("GenerateInsights: %v", err)
	}
	if len(s.Insights) != 0 {
		t.Errorf("insights generated while disabled: %v", s.Insights)
	}
}

func TestSuggestFollowUpsCount(t *testing.T) {
	p := NewPipeline(&fakeHub{}, config.FeatureConfig{FollowUpSuggestions: true})

	s := approvedState(t, "how many products?")
	s.Intent = agent.IntentCount
	s.Query = &agent.CanonicalQuery{ModelName: "Product", Intent: agent.IntentCount}

	if err := p.SuggestFollowUps(context.Background(), s); err != nil {
		t.Fatalf("SuggestFollowUps: %v", err)
	}
	if len(s.FollowUps) == 0 {
		t.Fatal("expected follow-up suggestions for a COUNT query")
	}
}

// testResultCache is a trivial in-test ResultCache.
type testResultCache struct {
	entries map[string]*mdh.RecordSet
}

func newTestResultCache() *testResultCache {
	return &testResultCache{entries: map[string]*mdh.RecordSet{}}
}

func (c *testResultCache) key(q *mdh.RecordQuery) string {
	return q.ModelID + "|" + strings.Join(q.Fields, ",")
}

func (c *testResultCache) Get(q *mdh.RecordQuery) (*mdh.RecordSet, bool) {
	rs, ok := c.entries[c.key(q)]
	return rs, ok
}

func (c *testResultCache) Put(q *mdh.RecordQuery, rs *mdh.RecordSet) {
	c.entries[c.key(q)] = rs
}
