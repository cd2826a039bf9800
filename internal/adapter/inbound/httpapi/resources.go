package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// Resource URIs exposed over resources/read. These names are part of the
// external contract.
const (
	resourceModelsAll      = "datahub://models/all"
	resourceModelsPub      = "datahub://models/published"
	resourceModelsDraft    = "datahub://models/draft"
	resourceModelPrefix    = "datahub://model/"
	resourceConnectionTest = "datahub://connection/test"
)

// listResources answers resources/list.
func (s *Server) listResources() map[string]any {
	return map[string]any{
		"resources": []map[string]any{
			{
				"uri":         resourceModelsAll,
				"name":        "All models",
				"description": "Every model registered in the master-data hub, any publication status.",
				"mimeType":    "application/json",
			},
			{
				"uri":         resourceModelsPub,
				"name":        "Published models",
				"description": "Models whose latest version is published.",
				"mimeType":    "application/json",
			},
			{
				"uri":         resourceModelsDraft,
				"name":        "Draft models",
				"description": "Models whose latest version is a draft.",
				"mimeType":    "application/json",
			},
			{
				"uri":         resourceModelPrefix + "{id}",
				"name":        "Model detail",
				"description": "One model's descriptor including its full field list.",
				"mimeType":    "application/json",
			},
			{
				"uri":         resourceConnectionTest,
				"name":        "Connection test",
				"description": "Verifies hub reachability and gateway credentials.",
				"mimeType":    "application/json",
			},
		},
	}
}

// readResource answers resources/read for the datahub:// URI space.
func (s *Server) readResource(ctx context.Context, principal *auth.Principal, params json.RawMessage) (any, *rpcError) {
	if !principal.HasPermission(auth.PermMCPRead) {
		return nil, &rpcError{http.StatusForbidden, codeInvalidRequest, "AUTH_INSUFFICIENT_SCOPE: mcp:read permission required"}
	}

	var args struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &args); err != nil || args.URI == "" {
		return nil, &rpcError{http.StatusOK, codeInvalidRequest, "Invalid Request: missing resource uri"}
	}

	switch {
	case args.URI == resourceModelsAll:
		return s.modelsResource(ctx, outbound.ModelsAll)
	case args.URI == resourceModelsPub:
		return s.modelsResource(ctx, outbound.ModelsPublished)
	case args.URI == resourceModelsDraft:
		return s.modelsResource(ctx, outbound.ModelsDraft)
	case strings.HasPrefix(args.URI, resourceModelPrefix):
		return s.modelResource(ctx, strings.TrimPrefix(args.URI, resourceModelPrefix))
	case args.URI == resourceConnectionTest:
		return s.connectionTestResource(ctx), nil
	default:
		return nil, &rpcError{http.StatusOK, codeMethodNotFound, "Unknown resource: " + args.URI}
	}
}

func (s *Server) modelsResource(ctx context.Context, filter outbound.ModelStatusFilter) (any, *rpcError) {
	models, err := s.hub.ListModels(ctx, filter)
	if err != nil {
		return nil, faultRPC(err)
	}

	summaries := make([]map[string]any, 0, len(models))
	for _, m := range models {
		summaries = append(summaries, modelSummary(m))
	}
	return map[string]any{
		"status":             "models_list",
		"publication_filter": string(filter),
		"count":              len(summaries),
		"models":             summaries,
	}, nil
}

func (s *Server) modelResource(ctx context.Context, id string) (any, *rpcError) {
	model, err := s.hub.GetModel(ctx, id)
	if err != nil {
		return nil, faultRPC(err)
	}
	return map[string]any{
		"status": "model_detail",
		"model":  modelDetail(model),
	}, nil
}

func (s *Server) connectionTestResource(ctx context.Context) any {
	result := map[string]any{"success": true, "message": "connection to master-data hub verified"}
	if err := s.hub.TestConnection(ctx); err != nil {
		result["success"] = false
		result["message"] = "connection to master-data hub failed"
	}
	return map[string]any{
		"status":            "connection_test",
		"connection_result": result,
	}
}

func modelSummary(m *mdh.ModelDescriptor) map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"name":               m.Name,
		"publication_status": m.PublicationStatus,
		"latest_version":     m.LatestVersion,
		"field_count":        len(m.Fields),
	}
}

func modelDetail(m *mdh.ModelDescriptor) map[string]any {
	detail := modelSummary(m)
	detail["record_title_fields"] = m.RecordTitleFields
	detail["sources"] = m.Sources
	detail["fields"] = fieldList(m)
	return detail
}

func fieldList(m *mdh.ModelDescriptor) []map[string]any {
	fields := make([]map[string]any, 0, len(m.Fields))
	for _, f := range m.Fields {
		fields = append(fields, map[string]any{
			"id":         f.ID,
			"name":       f.Name,
			"type":       f.Type,
			"required":   f.Required,
			"repeatable": f.Repeatable,
			"unique_id":  f.UniqueID,
		})
	}
	return fields
}
