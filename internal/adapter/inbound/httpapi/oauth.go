package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/fault"
)

// introspectHandler answers POST /oauth/introspect. Per RFC 7662 the
// response for any invalid token is {"active": false} with no detail.
func (s *Server) introspectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		token := r.PostFormValue("token")
		if token == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		view := s.resource.Introspect(r.Context(), token)
		if s.recorder != nil {
			s.recorder.Record(audit.Event{
				EventType: audit.EventTypeIntrospect,
				Severity:  audit.SeverityDebug,
				RequestIP: ClientIPFromContext(r.Context()),
				RequestID: RequestIDFromContext(r.Context()),
				Endpoint:  r.URL.Path,
				Success:   view.Active,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(view)
	})
}

// revokeHandler answers POST /oauth/revoke. Client credentials come via
// HTTP Basic auth, with form fields as a fallback for clients that
// cannot send an Authorization header. Once the client authenticates,
// the response is always {"revoked": true} per RFC 7009 — even for
// malformed or already-revoked tokens.
func (s *Server) revokeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		clientID, clientSecret, ok := r.BasicAuth()
		if !ok {
			clientID = r.PostFormValue("client_id")
			clientSecret = r.PostFormValue("client_secret")
		}
		token := r.PostFormValue("token")
		if token == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		err := s.resource.RevokeToken(r.Context(), clientID, clientSecret, token, r.PostFormValue("token_type_hint"))
		if err != nil {
			if fault.Is(err, fault.AuthInvalid) {
				w.Header().Set("WWW-Authenticate", `Basic realm="datagate"`)
				writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
				return
			}
			LoggerFromContext(r.Context()).Error("revocation failed", "error", err)
			writeOAuthError(w, http.StatusInternalServerError, "server_error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"revoked": true}`))
	})
}

// wellKnownHandler answers GET /.well-known/oauth-protected-resource
// with the RFC 9728 resource-server metadata.
func (s *Server) wellKnownHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource":                 s.oauthCfg.Audience,
			"authorization_servers":    []string{s.oauthCfg.Issuer},
			"bearer_methods_supported": []string{"header"},
			"scopes_supported":         []string{"read:all", "write:all"},
		})
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
