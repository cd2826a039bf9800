// Package oauth provides the RFC 7662 token introspection client.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// defaultTimeout bounds one introspection call when the config omits one.
const defaultTimeout = 5 * time.Second

// Introspector posts tokens to the authorization server's introspection
// endpoint.
type Introspector struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ outbound.TokenIntrospector = (*Introspector)(nil)

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithHTTPClient overrides the HTTP client, used in tests.
func WithHTTPClient(hc *http.Client) IntrospectorOption {
	return func(i *Introspector) { i.httpClient = hc }
}

// NewIntrospector builds an introspection client from configuration.
func NewIntrospector(cfg config.OAuthConfig, logger *slog.Logger) (*Introspector, error) {
	if cfg.IntrospectionURL == "" {
		return nil, fmt.Errorf("oauth.introspection_url is empty")
	}
	timeout := defaultTimeout
	if cfg.IntrospectionTimeout != "" {
		d, err := time.ParseDuration(cfg.IntrospectionTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse oauth.introspection_timeout: %w", err)
		}
		timeout = d
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{
		endpoint:   cfg.IntrospectionURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// wire form of an RFC 7662 response. aud may be a string or an array.
type introspectionJSON struct {
	Active   bool            `json:"active"`
	Sub      string          `json:"sub"`
	ClientID string          `json:"client_id"`
	Scope    string          `json:"scope"`
	Iss      string          `json:"iss"`
	Aud      json.RawMessage `json:"aud"`
	Iat      int64           `json:"iat"`
	Exp      int64           `json:"exp"`
}

// Introspect posts the token and decodes the verdict. A non-200 from the
// authorization server is an error, not an inactive token.
func (i *Introspector) Introspect(ctx context.Context, token string) (outbound.IntrospectionResult, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return outbound.IntrospectionResult{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return outbound.IntrospectionResult{}, fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return outbound.IntrospectionResult{}, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}

	var body introspectionJSON
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return outbound.IntrospectionResult{}, fmt.Errorf("decode introspection response: %w", err)
	}

	result := outbound.IntrospectionResult{
		Active:   body.Active,
		Subject:  body.Sub,
		ClientID: body.ClientID,
		Issuer:   body.Iss,
		Audience: parseAudience(body.Aud),
	}
	if body.Scope != "" {
		result.Scopes = strings.Fields(body.Scope)
	}
	if body.Iat > 0 {
		result.IssuedAt = time.Unix(body.Iat, 0)
	}
	if body.Exp > 0 {
		result.ExpiresAt = time.Unix(body.Exp, 0)
	}
	return result, nil
}

func parseAudience(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
