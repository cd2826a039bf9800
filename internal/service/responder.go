package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// listPreviewLimit caps the items spelled out in a list answer.
const listPreviewLimit = 10

// summaryThreshold is the record count above which list answers
// summarize instead of enumerating.
const summaryThreshold = 100

// RetrieveData executes the canonical query against the hub. The node
// demands full security approval; the result cache short-circuits
// identical queries within the cache TTL.
func (p *Pipeline) RetrieveData(ctx context.Context, s *agent.State) error {
	if !s.Approved() {
		return fault.New(fault.Internal,
			fmt.Sprintf("data retrieval at clearance %s", s.Clearance()))
	}
	if s.Query == nil {
		return fault.New(fault.QueryBuildInvalid, "no query to execute")
	}

	rq := toRecordQuery(s.Query)
	rq.Normalize()

	if p.cache != nil {
		if rs, ok := p.cache.Get(rq); ok {
			p.auditPipeline(s, audit.EventTypeExecuteQuery, map[string]any{
				"model_id": rq.ModelID, "cache_hit": true,
				"result_count": rs.Metadata.ResultCount,
			})
			return s.SetResults(rs)
		}
	}

	rs, err := p.hub.QueryRecords(ctx, rq)
	if err != nil {
		p.auditPipeline(s, audit.EventTypeExecuteQuery, map[string]any{
			"model_id": rq.ModelID, "error_kind": string(fault.KindOf(err)),
		})
		return err
	}

	if p.cache != nil {
		p.cache.Put(rq, rs)
	}
	p.auditPipeline(s, audit.EventTypeExecuteQuery, map[string]any{
		"model_id":     rq.ModelID,
		"result_count": rs.Metadata.ResultCount,
		"total_count":  rs.Metadata.TotalCount,
		"has_more":     rs.Metadata.HasMore,
		"retries":      s.RetryCount,
	})
	return s.SetResults(rs)
}

// GenerateResponse turns the run's outcome into a user-facing answer.
// It never fails: blocked runs and faults become error responses with
// the fault's message and guidance, so every request gets an answer.
func (p *Pipeline) GenerateResponse(ctx context.Context, s *agent.State) error {
	switch {
	case s.Blocked() || s.Err != nil:
		s.Response = errorResponse(s.Err)
	case s.Intent == agent.IntentUnknown:
		s.Response = &agent.FormattedResponse{
			ResponseType: agent.ResponseError,
			Message:      "I could not work out what you are asking for.",
			UserGuidance: "Try a question like \"how many products does Sony have?\" or \"list the campaigns for Acme\".",
		}
	case s.Intent == agent.IntentMeta:
		s.Response = p.metaResponse(ctx, s)
	case s.Intent == agent.IntentCount:
		s.Response = p.countResponse(s)
	case s.Intent == agent.IntentCompare:
		s.Response = p.comparisonResponse(s)
	case s.Intent == agent.IntentAnalyze:
		s.Response = p.analysisResponse(s)
	default:
		s.Response = p.listResponse(s)
	}

	if p.llm != nil && !s.Blocked() && s.Err == nil && s.Response.ResponseType != agent.ResponseError {
		p.polishMessage(ctx, s)
	}

	p.auditPipeline(s, audit.EventTypeResponseReady, map[string]any{
		"response_type": s.Response.ResponseType,
	})
	return nil
}

// polishMessage asks the language model to rephrase the rule-built
// answer. The structured data is already final and only the prose
// changes; any failure keeps the rule-based wording.
func (p *Pipeline) polishMessage(ctx context.Context, s *agent.State) {
	const system = "You phrase answers for a data catalog assistant. " +
		"Rewrite the given answer as one short, natural sentence. " +
		"Keep every number and name exactly as given. Reply with the sentence only."
	prompt := fmt.Sprintf("Question: %s\nAnswer: %s", s.RawQuery, s.Response.Message)
	reply, err := p.llm.Complete(ctx, system, prompt)
	if err != nil {
		p.logger.Debug("llm phrasing failed", "error", err)
		return
	}
	if reply = strings.TrimSpace(reply); reply != "" {
		s.Response.Message = reply
	}
}

// errorResponse maps a terminal fault onto a refusal or failure answer.
// The response type is the fault's stable kind string, so clients can
// distinguish SECURITY_BLOCKED from RATE_LIMIT_EXCEEDED without parsing
// prose; "error" is reserved for untyped failures.
func errorResponse(err error) *agent.FormattedResponse {
	resp := &agent.FormattedResponse{
		ResponseType: agent.ResponseError,
		Message:      "Your request could not be completed.",
	}
	if err == nil {
		resp.Message = "Your request was not permitted."
		return resp
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		resp.ResponseType = string(f.Kind)
		resp.Message = f.Message
		resp.UserGuidance = f.Guidance
		resp.Data = map[string]any{"error_kind": string(f.Kind)}
	}
	return resp
}

// metaResponse answers catalog questions from the discovered models.
func (p *Pipeline) metaResponse(ctx context.Context, s *agent.State) *agent.FormattedResponse {
	lower := strings.ToLower(s.RawQuery)

	if strings.Contains(lower, "connection") {
		if err := p.hub.TestConnection(ctx); err != nil {
			return errorResponse(err)
		}
		return &agent.FormattedResponse{
			ResponseType: agent.ResponseMetadata,
			Message:      "The hub connection is healthy.",
		}
	}

	// "what fields does X have"
	for _, m := range s.Models {
		if strings.Contains(lower, strings.ToLower(m.Name)) && strings.Contains(lower, "field") {
			names := make([]string, len(m.Fields))
			for i, f := range m.Fields {
				names[i] = f.Name
			}
			return &agent.FormattedResponse{
				ResponseType: agent.ResponseMetadata,
				Message: fmt.Sprintf("The %s model has %d fields: %s.",
					m.Name, len(m.Fields), strings.Join(names, ", ")),
				Data: map[string]any{"model_id": m.ID, "fields": names},
			}
		}
	}

	names := make([]string, 0, len(s.Models))
	for _, m := range s.Models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return &agent.FormattedResponse{
		ResponseType: agent.ResponseMetadata,
		Message: fmt.Sprintf("There are %d published models: %s.",
			len(names), strings.Join(names, ", ")),
		Data: map[string]any{"models": names},
	}
}

// countResponse answers COUNT queries from the result metadata's total,
// never the page size.
func (p *Pipeline) countResponse(s *agent.State) *agent.FormattedResponse {
	rs := s.Results()
	if rs == nil {
		return errorResponse(s.Err)
	}

	subject := countSubject(s)
	return &agent.FormattedResponse{
		ResponseType: agent.ResponseCount,
		Message:      fmt.Sprintf("I found %d %s.", rs.Metadata.TotalCount, subject),
		Data: map[string]any{
			"count": rs.Metadata.TotalCount,
			"model": s.Query.ModelName,
		},
	}
}

// countSubject names what was counted, preferring the user's own noun.
func countSubject(s *agent.State) string {
	for _, e := range s.Entities {
		if e.Type == agent.EntityCountSubject {
			return e.Text
		}
	}
	if s.Query != nil {
		return strings.ToLower(plural(s.Query.ModelName))
	}
	return "records"
}

// comparisonResponse groups the returned page by the comparison field
// and renders a small per-group table. Without a grouping field or any
// records the answer degrades to a plain list.
func (p *Pipeline) comparisonResponse(s *agent.State) *agent.FormattedResponse {
	rs := s.Results()
	if rs == nil {
		return errorResponse(s.Err)
	}
	grouping := ""
	if s.Query != nil {
		grouping = s.Query.Grouping
	}
	if grouping == "" || len(rs.Records) == 0 {
		return p.listResponse(s)
	}

	counts := map[string]int{}
	for _, r := range rs.Records {
		v, _ := r[grouping].(string)
		if v == "" {
			v = "(unset)"
		}
		counts[v]++
	}
	groups := make([]string, 0, len(counts))
	for v := range counts {
		groups = append(groups, v)
	}
	sort.Strings(groups)

	var b strings.Builder
	fmt.Fprintf(&b, "Comparison of %d %s by %s:",
		rs.Metadata.TotalCount, strings.ToLower(plural(s.Query.ModelName)), grouping)
	for _, v := range groups {
		fmt.Fprintf(&b, "\n  %s: %d", v, counts[v])
	}

	return &agent.FormattedResponse{
		ResponseType: agent.ResponseComparison,
		Message:      b.String(),
		Data: map[string]any{
			"grouping": grouping,
			"groups":   counts,
			"count":    rs.Metadata.TotalCount,
		},
	}
}

// analysisResponse summarizes the returned page statistically, field by
// field: min/max/avg for numeric values, distinct counts for the rest.
func (p *Pipeline) analysisResponse(s *agent.State) *agent.FormattedResponse {
	rs := s.Results()
	if rs == nil {
		return errorResponse(s.Err)
	}
	summary := fieldSummaries(rs.Records)
	return &agent.FormattedResponse{
		ResponseType: agent.ResponseAnalysis,
		Message: fmt.Sprintf("Analyzed %d of %d %s across %d fields.",
			len(rs.Records), rs.Metadata.TotalCount,
			strings.ToLower(plural(s.Query.ModelName)), len(summary)),
		Data: map[string]any{
			"count":   rs.Metadata.TotalCount,
			"summary": summary,
		},
	}
}

// fieldSummaries computes per-field statistics over a page of records:
// min/max/avg for fields whose values parse as numbers, unique-value
// counts for categorical fields. The record id key is skipped.
func fieldSummaries(records []map[string]any) map[string]any {
	type numAgg struct {
		min, max, sum float64
		n             int
	}
	nums := map[string]*numAgg{}
	uniques := map[string]map[string]struct{}{}

	for _, r := range records {
		for k, v := range r {
			if k == mdh.RecordIDKey {
				continue
			}
			sv, ok := v.(string)
			if !ok {
				continue
			}
			if f, err := strconv.ParseFloat(sv, 64); err == nil {
				agg := nums[k]
				if agg == nil {
					agg = &numAgg{min: f, max: f}
					nums[k] = agg
				}
				if f < agg.min {
					agg.min = f
				}
				if f > agg.max {
					agg.max = f
				}
				agg.sum += f
				agg.n++
				continue
			}
			set := uniques[k]
			if set == nil {
				set = map[string]struct{}{}
				uniques[k] = set
			}
			set[sv] = struct{}{}
		}
	}

	summary := make(map[string]any, len(nums)+len(uniques))
	for k, agg := range nums {
		summary[k] = map[string]any{
			"min": agg.min,
			"max": agg.max,
			"avg": agg.sum / float64(agg.n),
		}
	}
	for k, set := range uniques {
		// A field with mixed values keeps the numeric view.
		if _, numeric := summary[k]; numeric {
			continue
		}
		summary[k] = map[string]any{"unique_values": len(set)}
	}
	return summary
}

// listResponse enumerates small result sets and summarizes large ones.
func (p *Pipeline) listResponse(s *agent.State) *agent.FormattedResponse {
	rs := s.Results()
	if rs == nil {
		return errorResponse(s.Err)
	}
	if len(rs.Records) == 0 {
		return &agent.FormattedResponse{
			ResponseType: agent.ResponseList,
			Message:      fmt.Sprintf("No %s matched your query.", strings.ToLower(plural(s.Query.ModelName))),
			UserGuidance: "Try loosening or removing filters.",
			Data:         map[string]any{"count": 0},
		}
	}

	if rs.Metadata.TotalCount > summaryThreshold {
		return &agent.FormattedResponse{
			ResponseType: agent.ResponseList,
			Message: fmt.Sprintf("Your query matched %d %s; showing the first %d.",
				rs.Metadata.TotalCount, strings.ToLower(plural(s.Query.ModelName)), len(rs.Records)),
			UserGuidance: "Add filters to narrow the results.",
			Data: map[string]any{
				"count":    rs.Metadata.TotalCount,
				"records":  rs.Records,
				"has_more": rs.Metadata.HasMore,
				"summary":  fieldSummaries(rs.Records),
			},
		}
	}

	labels := recordLabels(rs.Records, s.SelectedModel)
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d %s", rs.Metadata.TotalCount,
		strings.ToLower(plural(s.Query.ModelName)))
	if len(labels) > 0 {
		shown := labels
		if len(shown) > listPreviewLimit {
			shown = shown[:listPreviewLimit]
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(shown, ", "))
		if rest := len(labels) - len(shown); rest > 0 {
			fmt.Fprintf(&b, " … and %d more", rest)
		}
	}
	b.WriteString(".")

	return &agent.FormattedResponse{
		ResponseType: agent.ResponseList,
		Message:      b.String(),
		Data: map[string]any{
			"count":    rs.Metadata.TotalCount,
			"records":  rs.Records,
			"has_more": rs.Metadata.HasMore,
		},
	}
}

// recordLabels picks a display string per record: the title field when
// declared, else the first non-id string value.
func recordLabels(records []map[string]any, model *mdh.ModelDescriptor) []string {
	titleField := ""
	if model != nil && len(model.RecordTitleFields) > 0 {
		titleField = mdh.CanonicalFieldID(model.RecordTitleFields[0])
	}

	var labels []string
	for _, r := range records {
		if titleField != "" {
			if v, ok := r[titleField].(string); ok && v != "" {
				labels = append(labels, v)
				continue
			}
		}
		for k, v := range r {
			if k == mdh.RecordIDKey {
				continue
			}
			if sv, ok := v.(string); ok && sv != "" {
				labels = append(labels, sv)
				break
			}
		}
	}
	return labels
}

// GenerateInsights derives short observations from the result set. Rule
// based; the stage is feature-gated and never fails the run.
func (p *Pipeline) GenerateInsights(_ context.Context, s *agent.State) error {
	if !p.features.ProactiveInsights || s.Blocked() || s.Err != nil {
		return nil
	}
	rs := s.Results()
	if rs == nil {
		return nil
	}

	if rs.Metadata.HasMore {
		s.Insights = append(s.Insights, fmt.Sprintf(
			"Only %d of %d matching records were returned; the rest are available with paging.",
			rs.Metadata.ResultCount, rs.Metadata.TotalCount))
	}
	if rs.Metadata.TotalCount == 0 && len(s.Query.Filters) > 0 {
		s.Insights = append(s.Insights,
			"No records matched the applied filters; the model itself may still hold data.")
	}
	if n := repeatedValueShare(rs.Records, s.SelectedModel); n != "" {
		s.Insights = append(s.Insights, n)
	}
	return nil
}

// repeatedValueShare flags a dominant value in the title field, a cheap
// signal for skew in the returned page.
func repeatedValueShare(records []map[string]any, model *mdh.ModelDescriptor) string {
	if model == nil || len(model.RecordTitleFields) == 0 || len(records) < 4 {
		return ""
	}
	field := mdh.CanonicalFieldID(model.RecordTitleFields[0])
	counts := map[string]int{}
	for _, r := range records {
		if v, ok := r[field].(string); ok {
			counts[v]++
		}
	}
	for v, n := range counts {
		if n*2 > len(records) && v != "" {
			return fmt.Sprintf("%q accounts for more than half of the returned records.", v)
		}
	}
	return ""
}

// SuggestFollowUps proposes next questions based on the intent and
// outcome. Feature-gated; never fails the run.
func (p *Pipeline) SuggestFollowUps(_ context.Context, s *agent.State) error {
	if !p.features.FollowUpSuggestions || s.Blocked() || s.Err != nil {
		return nil
	}
	if s.Query == nil {
		return nil
	}
	model := strings.ToLower(plural(s.Query.ModelName))

	switch s.Intent {
	case agent.IntentCount:
		s.FollowUps = append(s.FollowUps,
			fmt.Sprintf("List the %s.", model),
			fmt.Sprintf("What fields does the %s model have?", s.Query.ModelName))
	case agent.IntentList:
		rs := s.Results()
		if rs != nil && rs.Metadata.HasMore {
			s.FollowUps = append(s.FollowUps, "Show the next page of results.")
		}
		s.FollowUps = append(s.FollowUps,
			fmt.Sprintf("How many %s are there in total?", model))
	case agent.IntentCompare, agent.IntentAnalyze:
		s.FollowUps = append(s.FollowUps,
			fmt.Sprintf("List the underlying %s.", model))
	}
	return nil
}
