package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/fault"
)

// MCPProtocolVersion is the MCP protocol revision this gateway speaks.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize caps /mcp request bodies at 1 MB.
const maxRequestBodySize = 1 << 20

// JSON-RPC 2.0 error codes used by the gateway.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// rpcError pairs a JSON-RPC error with the HTTP status it rides on.
// Authentication failures surface as real 401/403 statuses; everything
// else stays 200 per JSON-RPC convention.
type rpcError struct {
	httpStatus int
	code       int
	message    string
}

// mcpHandler routes /mcp by HTTP method.
func (s *Server) mcpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleRPC(w, r)
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handleRPC processes one JSON-RPC 2.0 envelope: parse, authenticate,
// dispatch. The envelope is parsed before authentication so error
// responses can echo the request id.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		writeRPCError(w, nil, http.StatusOK, codeParseError, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeRPCError(w, nil, http.StatusOK, codeParseError, "Parse error: request body too large (max 1MB)")
			return
		}
		writeRPCError(w, nil, http.StatusOK, codeParseError, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 {
		writeRPCError(w, nil, http.StatusOK, codeParseError, "Parse error: empty request body")
		return
	}
	if !json.Valid(body) {
		writeRPCError(w, nil, http.StatusOK, codeParseError, "Parse error: invalid JSON")
		return
	}

	// Keep the raw id around: error envelopes are written by hand so a
	// numeric, string, or null id survives unchanged.
	var idCheck struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(body, &idCheck)

	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeRPCError(w, idCheck.ID, http.StatusOK, codeInvalidRequest, "Invalid Request: "+err.Error())
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		writeRPCError(w, idCheck.ID, http.StatusOK, codeInvalidRequest, "Invalid Request: expected a request, got a response")
		return
	}

	principal, rpcErr := s.authenticate(r.Context(), w)
	if rpcErr != nil {
		if s.metrics != nil {
			s.metrics.BlockedTotal.WithLabelValues("auth").Inc()
		}
		writeRPCError(w, idCheck.ID, rpcErr.httpStatus, rpcErr.code, rpcErr.message)
		return
	}

	// Notifications never get a body; 202 acknowledges receipt.
	if !req.IsCall() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), principal, req)
	if rpcErr != nil {
		writeRPCError(w, idCheck.ID, rpcErr.httpStatus, rpcErr.code, rpcErr.message)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, idCheck.ID, http.StatusOK, codeInternalError, "Internal error")
		return
	}
	encoded, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: raw})
	if err != nil {
		writeRPCError(w, idCheck.ID, http.StatusOK, codeInternalError, "Internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// authenticate resolves the bearer token from context into a principal.
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter) (*auth.Principal, *rpcError) {
	token := BearerFromContext(ctx)
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		return nil, &rpcError{http.StatusUnauthorized, codeInvalidRequest, "Bearer token required"}
	}

	principal, err := s.resource.ValidateBearer(ctx, token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		switch fault.KindOf(err) {
		case fault.AuthMissing:
			return nil, &rpcError{http.StatusUnauthorized, codeInvalidRequest, "Bearer token required"}
		case fault.AuthRevoked:
			return nil, &rpcError{http.StatusUnauthorized, codeInvalidRequest, "Bearer token has been revoked"}
		default:
			return nil, &rpcError{http.StatusUnauthorized, codeInvalidRequest, "Invalid bearer token"}
		}
	}
	return principal, nil
}

// dispatch routes a call to its method handler.
func (s *Server) dispatch(ctx context.Context, principal *auth.Principal, req *jsonrpc.Request) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": MCPProtocolVersion,
			"capabilities": map[string]any{
				"resources": map[string]any{},
				"tools":     map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "datagate",
				"version": s.version,
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "resources/list":
		return s.listResources(), nil
	case "resources/read":
		return s.readResource(ctx, principal, req.Params)
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, principal, req.Params)
	default:
		return nil, &rpcError{http.StatusOK, codeMethodNotFound, "Method not found: " + req.Method}
	}
}

// faultRPC maps a fault from the service layer onto an rpcError.
func faultRPC(err error) *rpcError {
	f := &fault.Fault{Kind: fault.Internal, Message: "internal error"}
	_ = errors.As(err, &f)

	message := f.Message
	if f.Guidance != "" {
		message += " (" + f.Guidance + ")"
	}

	switch f.Kind {
	case fault.AuthMissing, fault.AuthInvalid, fault.AuthRevoked:
		return &rpcError{http.StatusUnauthorized, codeInvalidRequest, message}
	case fault.AuthInsufficientScope:
		return &rpcError{http.StatusForbidden, codeInvalidRequest, message}
	case fault.ModelNotFound:
		return &rpcError{http.StatusOK, codeMethodNotFound, message}
	case fault.QueryBuildInvalid, fault.QueryAnalysisFailed:
		return &rpcError{http.StatusOK, codeInvalidRequest, message}
	default:
		return &rpcError{http.StatusOK, codeInternalError, message}
	}
}

// jsonRPCErrorEnvelope is the hand-written JSON-RPC 2.0 error response.
// Written directly instead of through the SDK so the original id value
// (number, string, or null) round-trips even for unparseable requests.
type jsonRPCErrorEnvelope struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, httpStatus, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(jsonRPCErrorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCErrorField{Code: code, Message: message},
	})
}
