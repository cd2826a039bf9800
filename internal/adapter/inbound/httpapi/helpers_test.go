package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datagate-io/datagate/internal/adapter/outbound/memory"
	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/domain/ratelimit"
	"github.com/datagate-io/datagate/internal/domain/semantic"
	"github.com/datagate-io/datagate/internal/domain/threat"
	"github.com/datagate-io/datagate/internal/port/outbound"
	"github.com/datagate-io/datagate/internal/service"
)

const testJWTSecret = "test-secret-for-httpapi"

// fakeHub is an in-test MDH client.
type fakeHub struct {
	models     []*mdh.ModelDescriptor
	listErr    error
	queryErr   error
	connErr    error
	results    *mdh.RecordSet
	queryCalls int
	lastQuery  *mdh.RecordQuery
}

var _ outbound.MDHClient = (*fakeHub)(nil)

func (f *fakeHub) ListModels(_ context.Context, filter outbound.ModelStatusFilter) ([]*mdh.ModelDescriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if filter == outbound.ModelsAll {
		return f.models, nil
	}
	var out []*mdh.ModelDescriptor
	for _, m := range f.models {
		if (filter == outbound.ModelsPublished) == m.Published() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeHub) GetModel(_ context.Context, id string) (*mdh.ModelDescriptor, error) {
	for _, m := range f.models {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fault.New(fault.ModelNotFound, "model "+id+" not found")
}

func (f *fakeHub) QueryRecords(_ context.Context, q *mdh.RecordQuery) (*mdh.RecordSet, error) {
	f.queryCalls++
	f.lastQuery = q
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.results != nil {
		return f.results, nil
	}
	return &mdh.RecordSet{Records: []map[string]any{}}, nil
}

func (f *fakeHub) TestConnection(_ context.Context) error { return f.connErr }

// captureRecorder collects audit events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureRecorder) byType(eventType string) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func adModel() *mdh.ModelDescriptor {
	return &mdh.ModelDescriptor{
		ID:                "02367877-e560-4d82-b640-6a9f7ab96afa",
		Name:              "Advertisement",
		PublicationStatus: mdh.StatusPublished,
		LatestVersion:     3,
		RecordTitleFields: []string{"ADVERTISER"},
		Fields: []mdh.FieldDescriptor{
			{ID: "AD_ID", Name: "Ad Id", Type: "string", Required: true, UniqueID: true},
			{ID: "ADVERTISER", Name: "Advertiser", Type: "string", Required: true},
			{ID: "PRODUCT", Name: "Product", Type: "string"},
		},
	}
}

func productModel() *mdh.ModelDescriptor {
	return &mdh.ModelDescriptor{
		ID:                "model-1",
		Name:              "Product",
		PublicationStatus: mdh.StatusPublished,
		LatestVersion:     1,
		RecordTitleFields: []string{"NAME"},
		Fields: []mdh.FieldDescriptor{
			{ID: "PRODUCTID", Name: "Product Id", Type: "string", Required: true, UniqueID: true},
			{ID: "NAME", Name: "Name", Type: "string", Required: true},
			{ID: "BRAND", Name: "Brand", Type: "string"},
		},
	}
}

// testConfig is the shared gateway configuration for handler tests.
func testConfig() *config.Config {
	return &config.Config{
		OAuth: config.OAuthConfig{
			Issuer:    "https://auth.test",
			Audience:  "datagate",
			JWTSecret: testJWTSecret,
			Algorithm: "HS256",
		},
		Security: config.SecurityConfig{
			Clients: map[string]config.ClientGrant{
				"alice": {Role: "manager", Permissions: []string{"read:all"}},
				"carol": {Role: "executive", Permissions: []string{"write:all"}},
				"dave":  {Role: "clerk", Permissions: []string{"none"}},
			},
		},
	}
}

// mintToken signs an HS256 token with defaults matching testConfig.
func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = "https://auth.test"
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = "datagate"
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// testServerOptions tweaks the harness per test.
type testServerOptions struct {
	cfg       *config.Config
	rateRules map[string]ratelimit.Rule
	opts      []Option
}

// newTestServer wires a full server over the fake hub: real resource
// server, security service, pipeline, and orchestrator.
func newTestServer(t *testing.T, hub *fakeHub, tso testServerOptions) *Server {
	t.Helper()

	cfg := tso.cfg
	if cfg == nil {
		cfg = testConfig()
	}
	rules := tso.rateRules
	if rules == nil {
		rules = map[string]ratelimit.Rule{
			"default": {Burst: 1000, Minute: 1000, Hour: 10000, Day: 100000},
		}
	}
	domainRules := make(map[string]ratelimit.Rule, len(rules))
	for pattern, r := range rules {
		domainRules[pattern] = r
	}

	limiter := memory.NewRateLimiter(ratelimit.NewRuleSet(domainRules, nil, []string{"/ratelimit/test"}))
	tokens := memory.NewTokenStore(1000)
	resource := service.NewResourceServer(cfg, tokens)
	security := service.NewSecurityService(limiter, threat.NewDetector(), semantic.NewAnalyzer(), nil, nil)
	pipeline := service.NewPipeline(hub, cfg.Features)
	orchestrator := service.NewOrchestrator(security, pipeline, nil, cfg.Features,
		service.WithWorkflowRetryPolicy(time.Millisecond, 2*time.Millisecond, 2))

	opts := append([]Option{WithRateLimiter(limiter)}, tso.opts...)
	return NewServer(cfg.OAuth, resource, security, orchestrator, hub, opts...)
}

// rpcEnvelope is the decoded JSON-RPC response body.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  map[string]any  `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// postMCP sends one JSON-RPC call to /mcp and decodes the response.
func postMCP(t *testing.T, s *Server, bearer string, body string) (*httptest.ResponseRecorder, rpcEnvelope) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env rpcEnvelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

// rpcCall builds a tools/call or other JSON-RPC request body.
func rpcCall(t *testing.T, id int, method string, params any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return string(raw)
}
