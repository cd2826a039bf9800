package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// filterConfidenceThreshold gates which field mappings may become
// filters. Mappings below it are kept for transparency but never
// constrain the query.
const filterConfidenceThreshold = 0.7

// modelMatchThreshold is the minimum name-match score to select a model.
const modelMatchThreshold = 0.5

// genericCountNouns are subjects like "records" or "items" that describe
// what to count but carry no filter information. They select models;
// they never become filter values.
var genericCountNouns = map[string]struct{}{
	"products": {}, "users": {}, "items": {}, "records": {}, "entries": {},
	"customers": {}, "campaigns": {}, "advertisements": {}, "ads": {},
	"names": {}, "opportunities": {}, "engagements": {},
}

// Pipeline implements the query stages between security approval and
// the final response.
type Pipeline struct {
	hub      outbound.MDHClient
	llm      outbound.LLMClient // nil disables language polish
	cache    ResultCache
	recorder Recorder
	features config.FeatureConfig
	logger   *slog.Logger
}

// ResultCache is the query result cache contract the pipeline uses.
type ResultCache interface {
	Get(q *mdh.RecordQuery) (*mdh.RecordSet, bool)
	Put(q *mdh.RecordQuery, rs *mdh.RecordSet)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLLM enables LLM-phrased responses and insights.
func WithLLM(llm outbound.LLMClient) PipelineOption {
	return func(p *Pipeline) { p.llm = llm }
}

// WithResultCache enables query result caching.
func WithResultCache(c ResultCache) PipelineOption {
	return func(p *Pipeline) { p.cache = c }
}

// WithPipelineRecorder wires audit emission.
func WithPipelineRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) { p.recorder = r }
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates the stage implementations.
func NewPipeline(hub outbound.MDHClient, features config.FeatureConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		hub:      hub,
		features: features,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	quotedRe      = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	howManyRe     = regexp.MustCompile(`(?i)how\s+many\s+([a-z]+)`)
	properNounRe  = regexp.MustCompile(`\b(?:for|by|from|of|about)\s+([A-Z][A-Za-z0-9&-]*(?:\s+[A-Z][A-Za-z0-9&-]*)*)`)
	doesSubjectRe = regexp.MustCompile(`(?i)(?:does|do|did)\s+([A-Z][A-Za-z0-9&-]*)`)
)

// AnalyzeQuery classifies intent and extracts entities with rule-based
// heuristics. The stage never fails; unknown intents surface as guidance
// in the final response.
func (p *Pipeline) AnalyzeQuery(ctx context.Context, s *agent.State) error {
	lower := strings.ToLower(s.RawQuery)

	switch {
	case strings.Contains(lower, "how many") || strings.HasPrefix(lower, "count") ||
		strings.Contains(lower, "number of"):
		s.Intent = agent.IntentCount
	case strings.Contains(lower, "compare") || strings.Contains(lower, " versus ") ||
		strings.Contains(lower, " vs "):
		s.Intent = agent.IntentCompare
	case isMetaQuery(lower):
		s.Intent = agent.IntentMeta
	case strings.Contains(lower, "analyze") || strings.Contains(lower, "analysis") ||
		strings.Contains(lower, "trend") || strings.Contains(lower, "breakdown"):
		s.Intent = agent.IntentAnalyze
	case strings.Contains(lower, "list") || strings.Contains(lower, "show") ||
		strings.Contains(lower, "find") || strings.Contains(lower, "get") ||
		strings.Contains(lower, "which") || strings.Contains(lower, "what"):
		s.Intent = agent.IntentList
	default:
		s.Intent = agent.IntentUnknown
	}

	// Quoted spans are explicit filter values.
	for _, m := range quotedRe.FindAllStringSubmatch(s.RawQuery, -1) {
		text := m[1]
		if text == "" {
			text = m[2]
		}
		s.Entities = append(s.Entities, agent.Entity{
			Text: text, Type: agent.EntityFilterValue, Confidence: 0.9,
		})
	}

	// "how many <noun>" names the thing being counted.
	if m := howManyRe.FindStringSubmatch(s.RawQuery); m != nil {
		s.Entities = append(s.Entities, agent.Entity{
			Text: strings.ToLower(m[1]), Type: agent.EntityCountSubject, Confidence: 0.8,
		})
	}

	// "for Sony", "by Acme Corp": proper nouns after a preposition.
	for _, m := range properNounRe.FindAllStringSubmatch(s.RawQuery, -1) {
		s.Entities = append(s.Entities, agent.Entity{
			Text: m[1], Type: agent.EntityFilterValue, Confidence: 0.8,
		})
	}

	// "does Sony have": subject proper nouns in count questions. The
	// capture must start uppercase or it is just a verb phrase.
	for _, m := range doesSubjectRe.FindAllStringSubmatch(s.RawQuery, -1) {
		if m[1] == strings.ToLower(m[1]) {
			continue
		}
		s.Entities = append(s.Entities, agent.Entity{
			Text: m[1], Type: agent.EntityFilterValue, Confidence: 0.75,
		})
	}

	if s.Intent == agent.IntentUnknown && p.llm != nil {
		p.refineIntent(ctx, s)
	}

	p.auditPipeline(s, audit.EventTypeQueryAnalyzed, map[string]any{
		"intent":   string(s.Intent),
		"entities": len(s.Entities),
	})
	return nil
}

// refineIntent asks the language model to classify a query the rule
// patterns could not. A failed or unparseable reply leaves the intent
// unknown and flags the run; the stage itself never fails.
func (p *Pipeline) refineIntent(ctx context.Context, s *agent.State) {
	const system = "You classify questions about a master-data catalog. " +
		"Reply with exactly one word: COUNT, LIST, COMPARE, ANALYZE, META, or UNKNOWN."
	reply, err := p.llm.Complete(ctx, system, s.RawQuery)
	if err != nil {
		s.AddFlag("llm-analysis-unavailable")
		p.logger.Debug("llm intent refinement failed", "error", err)
		return
	}
	if intent := agent.ParseIntent(reply); intent != agent.IntentUnknown {
		s.Intent = intent
		s.AddFlag("llm-intent-refined")
	}
}

func isMetaQuery(lower string) bool {
	if strings.Contains(lower, "connection") && (strings.Contains(lower, "test") || strings.Contains(lower, "check")) {
		return true
	}
	if strings.Contains(lower, "models") &&
		(strings.Contains(lower, "available") || strings.Contains(lower, "what") ||
			strings.Contains(lower, "which") || strings.Contains(lower, "list")) {
		return true
	}
	return strings.Contains(lower, "fields does") || strings.Contains(lower, "what fields")
}

// DiscoverModels loads the published catalog and binds the query to the
// best-matching model. Scope checks happen here: a model match the
// principal cannot read is a scope fault, not a lookup fault.
func (p *Pipeline) DiscoverModels(ctx context.Context, s *agent.State) error {
	models, err := p.hub.ListModels(ctx, outbound.ModelsPublished)
	if err != nil {
		return err
	}
	s.Models = models
	p.auditPipeline(s, audit.EventTypeModelsFound, map[string]any{"count": len(models)})

	if s.Intent == agent.IntentMeta {
		return nil
	}
	if len(models) == 0 {
		return fault.New(fault.ModelNotFound, "the hub has no published models").
			WithGuidance("Publish a model in the hub, then retry.")
	}

	best, bestScore := (*mdh.ModelDescriptor)(nil), 0.0
	for _, m := range models {
		score := p.modelScore(m, s)
		if score > bestScore {
			best, bestScore = m, score
		}
	}
	if best == nil || bestScore < modelMatchThreshold {
		names := make([]string, 0, len(models))
		for _, m := range models {
			names = append(names, m.Name)
		}
		sort.Strings(names)
		return fault.New(fault.ModelNotFound, "no model matches your question").
			WithGuidance("Available models: " + strings.Join(names, ", "))
	}

	if s.Principal != nil && !s.Principal.CanReadModel(best.Name) {
		return fault.New(fault.AuthInsufficientScope,
			fmt.Sprintf("your grants do not include the %s model", best.Name)).
			WithGuidance("Ask an administrator for a read scope covering this model.")
	}

	s.SelectedModel = best
	return nil
}

// modelScore rates how well a model's name matches the query subject.
func (p *Pipeline) modelScore(m *mdh.ModelDescriptor, s *agent.State) float64 {
	name := strings.ToLower(m.Name)
	lowerQuery := strings.ToLower(s.RawQuery)

	best := 0.0
	for _, e := range s.Entities {
		if e.Type != agent.EntityCountSubject && e.Type != agent.EntityModelHint {
			continue
		}
		if score := nameMatch(name, strings.ToLower(e.Text)); score > best {
			best = score
		}
	}
	// The model name appearing anywhere in the query is a solid signal.
	if strings.Contains(lowerQuery, name) || strings.Contains(lowerQuery, plural(name)) {
		if best < 0.9 {
			best = 0.9
		}
	}
	return best
}

// nameMatch compares a model name with a query term, tolerating plurals.
func nameMatch(name, term string) float64 {
	name, term = singular(name), singular(term)
	switch {
	case name == term:
		return 1.0
	case strings.HasPrefix(term, name) || strings.HasPrefix(name, term):
		return 0.8
	case strings.Contains(term, name) || strings.Contains(name, term):
		return 0.6
	}
	return 0
}

func singular(w string) string {
	switch {
	case strings.HasSuffix(w, "ies"):
		return strings.TrimSuffix(w, "ies") + "y"
	case strings.HasSuffix(w, "es"):
		return strings.TrimSuffix(w, "es")
	case strings.HasSuffix(w, "s"):
		return strings.TrimSuffix(w, "s")
	}
	return w
}

func plural(w string) string {
	switch {
	case strings.HasSuffix(w, "y"):
		return strings.TrimSuffix(w, "y") + "ies"
	case strings.HasSuffix(w, "s"):
		return w + "es"
	}
	return w + "s"
}

// MapFields binds filter values to model fields. Generic count nouns are
// excluded up front: "how many records ..." says what to count, not what
// to filter by.
func (p *Pipeline) MapFields(_ context.Context, s *agent.State) error {
	if s.SelectedModel == nil {
		return nil
	}
	model := s.SelectedModel

	target := filterTargetField(model)
	for _, e := range s.Entities {
		if e.Type != agent.EntityFilterValue {
			continue
		}
		if _, generic := genericCountNouns[strings.ToLower(e.Text)]; generic {
			continue
		}
		// The model's own name is a selector, never a filter value.
		if nameMatch(strings.ToLower(model.Name), strings.ToLower(e.Text)) >= 0.6 {
			continue
		}
		if target == "" {
			continue
		}
		s.Mappings = append(s.Mappings, agent.FieldMapping{
			Term:       e.Text,
			FieldID:    target,
			Confidence: e.Confidence * 0.95,
		})
	}

	p.auditPipeline(s, audit.EventTypeFieldsMapped, map[string]any{
		"mappings": len(s.Mappings),
	})
	return nil
}

// filterTargetField picks the field free-text filter values apply to:
// the record title field when declared, otherwise a name-like field.
func filterTargetField(model *mdh.ModelDescriptor) string {
	if len(model.RecordTitleFields) > 0 {
		return mdh.CanonicalFieldID(model.RecordTitleFields[0])
	}
	for _, f := range model.Fields {
		lower := strings.ToLower(f.Name)
		if strings.Contains(lower, "name") || strings.Contains(lower, "title") ||
			strings.Contains(lower, "brand") {
			return f.ID
		}
	}
	return ""
}

// BuildQuery assembles the canonical query. COUNT projects exactly one
// field; filters only come from mappings at or above the confidence
// threshold. Unknown fields are dropped and audited, never fatal.
func (p *Pipeline) BuildQuery(_ context.Context, s *agent.State) error {
	if s.SelectedModel == nil {
		return fault.New(fault.QueryBuildInvalid, "no model selected for query")
	}
	model := s.SelectedModel

	q := &agent.CanonicalQuery{
		ModelID:   model.ID,
		ModelName: model.Name,
		Intent:    s.Intent,
		Limit:     mdh.DefaultQueryLimit,
	}

	if s.Intent == agent.IntentCount {
		q.Fields = []string{countField(model)}
		q.Limit = 1
	} else {
		q.Fields = projectionFields(model)
	}

	for _, m := range s.Mappings {
		if m.Confidence < filterConfidenceThreshold {
			s.AddFlag("low-confidence-mapping:" + m.FieldID)
			continue
		}
		q.Filters = append(q.Filters, agent.QueryFilter{
			FieldID:  m.FieldID,
			Operator: filterOperator(m.FieldID),
			Value:    m.Term,
		})
	}

	if s.Intent == agent.IntentCompare {
		q.Grouping = groupingField(model, s.Mappings)
		if q.Grouping != "" && !containsField(q.Fields, q.Grouping) {
			q.Fields = append(q.Fields, q.Grouping)
		}
	}

	// Validate against the model, dropping anything it cannot serve.
	rq := toRecordQuery(q)
	rq.Normalize()
	if dropped := rq.ValidateAgainst(model); len(dropped) > 0 {
		p.auditPipeline(s, audit.EventTypeFilterDropped, map[string]any{"fields": dropped})
		for _, d := range dropped {
			s.AddFlag("dropped-field:" + d)
		}
	}
	if len(rq.Fields) == 0 {
		return fault.New(fault.QueryBuildInvalid,
			fmt.Sprintf("no usable fields remain for model %s", model.Name))
	}

	q.Fields = rq.Fields
	q.Filters = q.Filters[:0]
	for _, f := range rq.Filters {
		q.Filters = append(q.Filters, agent.QueryFilter{FieldID: f.FieldID, Operator: f.Operator, Value: f.Value})
	}
	if q.Grouping != "" && !containsField(q.Fields, mdh.CanonicalFieldID(q.Grouping)) {
		q.Grouping = ""
	}
	s.Query = q

	p.auditPipeline(s, audit.EventTypeQueryBuilt, map[string]any{
		"model_id": q.ModelID,
		"fields":   q.Fields,
		"filters":  len(q.Filters),
		"limit":    q.Limit,
	})
	return nil
}

// countField picks the single projection for COUNT queries: the unique
// identifier when declared, else the first required field, else the
// first field. Never a wildcard. A field-less model yields the reserved
// record id key, which validation rejects as unusable.
func countField(model *mdh.ModelDescriptor) string {
	if f, ok := model.UniqueIDField(); ok {
		return f.ID
	}
	for _, f := range model.Fields {
		if f.Required {
			return f.ID
		}
	}
	if len(model.Fields) > 0 {
		return model.Fields[0].ID
	}
	return mdh.RecordIDKey
}

// filterOperator picks the hub comparison for a filter field. Names,
// brands and identifiers match exactly; free-text fields like products
// and descriptions match by substring.
func filterOperator(fieldID string) string {
	upper := mdh.CanonicalFieldID(fieldID)
	if strings.Contains(upper, "ID") || strings.Contains(upper, "NAME") ||
		strings.Contains(upper, "BRAND") || strings.Contains(upper, "CODE") {
		return mdh.OperatorEquals
	}
	if strings.Contains(upper, "PRODUCT") || strings.Contains(upper, "DESCRIPTION") ||
		strings.Contains(upper, "TITLE") || strings.Contains(upper, "CONTENT") ||
		strings.Contains(upper, "TEXT") {
		return mdh.OperatorContains
	}
	return mdh.OperatorEquals
}

// groupingField selects the comparison axis for COMPARE queries: the
// first high-confidence mapping onto a brand- or category-like field,
// else the model's own first such field, else the filter target.
func groupingField(model *mdh.ModelDescriptor, mappings []agent.FieldMapping) string {
	groupable := func(id string) bool {
		upper := mdh.CanonicalFieldID(id)
		return strings.Contains(upper, "BRAND") || strings.Contains(upper, "CATEGORY") ||
			strings.Contains(upper, "TYPE") || strings.Contains(upper, "ADVERTISER")
	}
	for _, m := range mappings {
		if m.Confidence >= filterConfidenceThreshold && groupable(m.FieldID) {
			return mdh.CanonicalFieldID(m.FieldID)
		}
	}
	for _, f := range model.Fields {
		if groupable(f.ID) {
			return mdh.CanonicalFieldID(f.ID)
		}
	}
	return filterTargetField(model)
}

func containsField(fields []string, id string) bool {
	for _, f := range fields {
		if f == id {
			return true
		}
	}
	return false
}

// projectionFields picks list projections: title fields plus the unique
// id, falling back to the first eight fields.
func projectionFields(model *mdh.ModelDescriptor) []string {
	var fields []string
	seen := map[string]struct{}{}
	add := func(id string) {
		id = mdh.CanonicalFieldID(id)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			fields = append(fields, id)
		}
	}

	for _, t := range model.RecordTitleFields {
		add(t)
	}
	if f, ok := model.UniqueIDField(); ok {
		add(f.ID)
	}
	if len(fields) == 0 {
		for i, f := range model.Fields {
			if i >= 8 {
				break
			}
			add(f.ID)
		}
	}
	return fields
}

func toRecordQuery(q *agent.CanonicalQuery) *mdh.RecordQuery {
	rq := &mdh.RecordQuery{
		ModelID: q.ModelID,
		Fields:  append([]string(nil), q.Fields...),
		Limit:   q.Limit,
	}
	for _, f := range q.Filters {
		rq.Filters = append(rq.Filters, mdh.Filter{FieldID: f.FieldID, Operator: f.Operator, Value: f.Value})
	}
	return rq
}

func (p *Pipeline) auditPipeline(s *agent.State, eventType string, details map[string]any) {
	if p.recorder == nil {
		return
	}
	e := audit.Event{
		EventType: eventType,
		Severity:  audit.SeverityDebug,
		RequestID: s.RequestID,
		Success:   true,
		Details:   details,
	}
	if s.Principal != nil {
		e.PrincipalID = s.Principal.Subject
	}
	p.recorder.Record(e)
}
