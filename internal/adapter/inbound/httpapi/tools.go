package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/domain/policy"
	"github.com/datagate-io/datagate/internal/port/outbound"
	"github.com/datagate-io/datagate/internal/service"
)

// Tool names exposed over tools/call. These names are part of the
// external contract.
const (
	toolSearchModels = "search_models_by_name"
	toolModelStats   = "get_model_statistics"
	toolModelFields  = "get_model_fields"
	toolQueryRecords = "query_records"
	toolAskDatahub   = "ask_datahub"
)

// listTools answers tools/list.
func (s *Server) listTools() map[string]any {
	stringProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        toolSearchModels,
				"description": "Search hub models by name, case-insensitive substring match.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"name_pattern": stringProp("Substring to match against model names.")},
					"required":   []string{"name_pattern"},
				},
			},
			{
				"name":        toolModelStats,
				"description": "Summarize the hub catalog: model and field counts by publication status.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			{
				"name":        toolModelFields,
				"description": "List the fields of one model.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"model_id": stringProp("Model identifier.")},
					"required":   []string{"model_id"},
				},
			},
			{
				"name":        toolQueryRecords,
				"description": "Execute a structured record query against one model.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"model_id":      stringProp("Model identifier."),
						"universe_id":   stringProp("Alias for model_id accepted for older clients."),
						"repository_id": stringProp("Optional repository override."),
						"fields": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Field ids to project; defaults to all model fields.",
						},
						"filters": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "object"},
							"description": "Constraints: {fieldId, operator, value}; operators are EQUALS and CONTAINS.",
						},
						"limit":        map[string]any{"type": "integer", "description": "Page size, 1-1000."},
						"offset_token": stringProp("Resume token from a previous page."),
					},
				},
			},
			{
				"name":        toolAskDatahub,
				"description": "Ask a natural-language question about hub data; runs the full screened pipeline.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question":        stringProp("The question, in plain language."),
						"conversation_id": stringProp("Optional id grouping questions into one conversation."),
					},
					"required": []string{"question"},
				},
			},
		},
	}
}

// callTool answers tools/call: scope check, then policy check, then the
// tool itself.
func (s *Server) callTool(ctx context.Context, principal *auth.Principal, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: missing tool name"}
	}

	if !principal.HasPermission(auth.PermMCPExecute) {
		return nil, &rpcError{http.StatusForbidden, codeInvalidRequest, "AUTH_INSUFFICIENT_SCOPE: mcp:execute permission required"}
	}

	if rpcErr := s.checkPolicy(ctx, principal, call.Name); rpcErr != nil {
		return nil, rpcErr
	}

	switch call.Name {
	case toolSearchModels:
		return s.searchModelsTool(ctx, call.Arguments)
	case toolModelStats:
		return s.modelStatsTool(ctx)
	case toolModelFields:
		return s.modelFieldsTool(ctx, call.Arguments)
	case toolQueryRecords:
		return s.queryRecordsTool(ctx, principal, call.Arguments)
	case toolAskDatahub:
		return s.askDatahubTool(ctx, principal, call.Arguments)
	default:
		return nil, &rpcError{http.StatusOK, codeMethodNotFound, "Unknown tool: " + call.Name}
	}
}

// checkPolicy runs the configured CEL rules. Policies only narrow
// access: a deny verdict surfaces as AUTH_INSUFFICIENT_SCOPE.
func (s *Server) checkPolicy(ctx context.Context, principal *auth.Principal, toolName string) *rpcError {
	verdict, err := s.policies.Evaluate(ctx, policy.Input{
		ToolName:    toolName,
		Role:        string(principal.Role),
		Permissions: principal.Permissions,
	})
	if err != nil {
		LoggerFromContext(ctx).Error("policy evaluation failed", "tool", toolName, "error", err)
		return &rpcError{http.StatusOK, codeInternalError, "Internal error"}
	}

	if s.metrics != nil {
		s.metrics.PolicyDecisions.WithLabelValues(string(verdict.Decision)).Inc()
	}
	if verdict.Decision != policy.DecisionDeny {
		return nil
	}

	if s.metrics != nil {
		s.metrics.BlockedTotal.WithLabelValues("policy").Inc()
	}
	if s.recorder != nil {
		s.recorder.Record(audit.Event{
			EventType:   audit.EventTypePolicyDenied,
			Severity:    audit.SeverityWarning,
			PrincipalID: principal.Subject,
			ClientID:    principal.ClientID,
			RequestID:   RequestIDFromContext(ctx),
			Success:     false,
			Details:     map[string]any{"tool": toolName, "policy": verdict.RuleName},
		})
	}
	return &rpcError{http.StatusForbidden, codeInvalidRequest, "AUTH_INSUFFICIENT_SCOPE: tool access denied by policy " + verdict.RuleName}
}

func (s *Server) searchModelsTool(ctx context.Context, args json.RawMessage) (any, *rpcError) {
	var in struct {
		NamePattern string `json:"name_pattern"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.NamePattern == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: name_pattern is required"}
	}

	models, err := s.hub.ListModels(ctx, outbound.ModelsAll)
	if err != nil {
		return nil, faultRPC(err)
	}

	pattern := strings.ToLower(in.NamePattern)
	matches := make([]map[string]any, 0)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), pattern) {
			matches = append(matches, modelSummary(m))
		}
	}
	return map[string]any{
		"status":  "model_search",
		"pattern": in.NamePattern,
		"count":   len(matches),
		"models":  matches,
	}, nil
}

func (s *Server) modelStatsTool(ctx context.Context) (any, *rpcError) {
	models, err := s.hub.ListModels(ctx, outbound.ModelsAll)
	if err != nil {
		return nil, faultRPC(err)
	}

	published, totalFields := 0, 0
	for _, m := range models {
		if m.Published() {
			published++
		}
		totalFields += len(m.Fields)
	}
	return map[string]any{
		"status":           "model_statistics",
		"total_models":     len(models),
		"published_models": published,
		"draft_models":     len(models) - published,
		"total_fields":     totalFields,
	}, nil
}

func (s *Server) modelFieldsTool(ctx context.Context, args json.RawMessage) (any, *rpcError) {
	var in struct {
		ModelID string `json:"model_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ModelID == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: model_id is required"}
	}

	model, err := s.hub.GetModel(ctx, in.ModelID)
	if err != nil {
		return nil, faultRPC(err)
	}
	return map[string]any{
		"status":     "model_fields",
		"model_id":   model.ID,
		"model_name": model.Name,
		"count":      len(model.Fields),
		"fields":     fieldList(model),
	}, nil
}

// recordFilter is the wire shape of a query_records filter entry.
type recordFilter struct {
	FieldID  string `json:"fieldId"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

func (s *Server) queryRecordsTool(ctx context.Context, principal *auth.Principal, args json.RawMessage) (any, *rpcError) {
	var in struct {
		ModelID     string         `json:"model_id"`
		UniverseID  string         `json:"universe_id"`
		Fields      []string       `json:"fields"`
		Filters     []recordFilter `json:"filters"`
		Limit       int            `json:"limit"`
		OffsetToken string         `json:"offset_token"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: malformed query_records arguments"}
	}
	modelID := in.ModelID
	if modelID == "" {
		modelID = in.UniverseID
	}
	if modelID == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: model_id is required"}
	}

	if principal.IsBlockedFromData() {
		return nil, &rpcError{http.StatusForbidden, codeInvalidRequest, "AUTH_INSUFFICIENT_SCOPE: no data access scope"}
	}

	model, err := s.hub.GetModel(ctx, modelID)
	if err != nil {
		return nil, faultRPC(err)
	}
	if !principal.CanReadModel(model.Name) {
		return nil, &rpcError{http.StatusForbidden, codeInvalidRequest, "AUTH_INSUFFICIENT_SCOPE: not permitted to read " + model.Name}
	}

	q := &mdh.RecordQuery{
		ModelID:     model.ID,
		Fields:      in.Fields,
		Limit:       in.Limit,
		OffsetToken: in.OffsetToken,
	}
	if len(q.Fields) == 0 {
		q.Fields = model.FieldIDs()
	}
	for _, f := range in.Filters {
		if !mdh.KnownOperator(f.Operator) {
			return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: unsupported filter operator " + f.Operator}
		}
		q.Filters = append(q.Filters, mdh.Filter{FieldID: f.FieldID, Operator: f.Operator, Value: f.Value})
	}
	q.Normalize()

	// Fields the model does not declare are dropped, not fatal. The drop
	// is audited so misspelled filters leave a trace.
	dropped := q.ValidateAgainst(model)
	if len(dropped) > 0 && s.recorder != nil {
		s.recorder.Record(audit.Event{
			EventType:   audit.EventTypeFilterDropped,
			Severity:    audit.SeverityWarning,
			PrincipalID: principal.Subject,
			ClientID:    principal.ClientID,
			RequestID:   RequestIDFromContext(ctx),
			Success:     true,
			Details:     map[string]any{"model_id": model.ID, "fields": dropped},
		})
	}
	if len(q.Fields) == 0 {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: no known fields to project"}
	}

	rs, err := s.hub.QueryRecords(ctx, q)
	if err != nil {
		return nil, faultRPC(err)
	}

	metadata := map[string]any{
		"records_returned":  len(rs.Records),
		"total_count":       rs.Metadata.TotalCount,
		"has_more":          rs.Metadata.HasMore,
		"next_offset_token": rs.Metadata.OffsetToken,
	}
	if len(dropped) > 0 {
		metadata["dropped_fields"] = dropped
	}
	return map[string]any{
		"status":   "query_records",
		"model_id": model.ID,
		"data": map[string]any{
			"records": rs.Records,
		},
		"metadata": metadata,
	}, nil
}

func (s *Server) askDatahubTool(ctx context.Context, principal *auth.Principal, args json.RawMessage) (any, *rpcError) {
	var in struct {
		Question       string `json:"question"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.Question) == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: question is required"}
	}

	state := s.orchestrator.HandleQuery(ctx, service.QueryRequest{
		RequestID:      RequestIDFromContext(ctx),
		ConversationID: in.ConversationID,
		Query:          in.Question,
		Principal:      principal,
	})
	if state.Blocked() && s.metrics != nil {
		s.metrics.BlockedTotal.WithLabelValues("security").Inc()
	}

	result := map[string]any{
		"status":     "answer",
		"request_id": state.RequestID,
		"response": map[string]any{
			"response_type": state.Response.ResponseType,
			"message":       state.Response.Message,
			"user_guidance": state.Response.UserGuidance,
			"data":          state.Response.Data,
		},
	}
	if len(state.Insights) > 0 {
		result["insights"] = state.Insights
	}
	if len(state.FollowUps) > 0 {
		result["follow_ups"] = state.FollowUps
	}
	return result, nil
}
