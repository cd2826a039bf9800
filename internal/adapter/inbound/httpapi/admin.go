package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/auth"
)

// defaultAuditQueryLimit bounds GET /admin/audit when no limit is given.
const defaultAuditQueryLimit = 100

// adminAuditHandler answers GET /admin/audit: a read-only view over the
// audit store for operators. Requires a bearer with mcp:admin.
func (s *Server) adminAuditHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.auditStore == nil {
			http.Error(w, "audit store not configured", http.StatusNotFound)
			return
		}

		token := BearerFromContext(r.Context())
		principal, err := s.resource.ValidateBearer(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !principal.HasPermission(auth.PermMCPAdmin) {
			http.Error(w, "Forbidden: mcp:admin permission required", http.StatusForbidden)
			return
		}

		filter := audit.QueryFilter{
			EventType:   r.URL.Query().Get("type"),
			PrincipalID: r.URL.Query().Get("principal"),
			MinSeverity: audit.Severity(r.URL.Query().Get("severity")),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				http.Error(w, "Bad Request: since must be RFC 3339", http.StatusBadRequest)
				return
			}
			filter.Since = t
		}
		limit := defaultAuditQueryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				http.Error(w, "Bad Request: limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		events, err := s.auditStore.Query(r.Context(), filter, limit)
		if err != nil {
			LoggerFromContext(r.Context()).Error("audit query failed", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":  len(events),
			"events": events,
		})
	})
}

// rateLimitTestHandler answers the self-test endpoint. The rate-limit
// middleware has already run by the time this handler is reached, with
// the whitelist bypassed for this path, so a 200 here means the request
// was genuinely admitted by the counters.
func (s *Server) rateLimitTestHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "rate_limit_test",
			"allowed":   true,
			"client_id": ClientIPFromContext(r.Context()),
		})
	})
}
