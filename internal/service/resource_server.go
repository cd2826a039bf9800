package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// Recorder receives audit events from services. *AuditService satisfies it.
type Recorder interface {
	Record(e audit.Event)
}

// ResourceServer validates bearer tokens, projects principals from the
// grant table, and processes revocations. Validation prefers remote
// introspection; local HMAC verification is the fallback when no
// introspection endpoint is configured.
type ResourceServer struct {
	oauthCfg     config.OAuthConfig
	grants       map[string]config.ClientGrant
	revClients   map[string]string
	tokens       auth.TokenStore
	introspector outbound.TokenIntrospector
	recorder     Recorder
	logger       *slog.Logger
}

// ResourceServerOption configures a ResourceServer.
type ResourceServerOption func(*ResourceServer)

// WithIntrospector enables remote token validation.
func WithIntrospector(i outbound.TokenIntrospector) ResourceServerOption {
	return func(rs *ResourceServer) { rs.introspector = i }
}

// WithResourceRecorder wires audit emission.
func WithResourceRecorder(r Recorder) ResourceServerOption {
	return func(rs *ResourceServer) { rs.recorder = r }
}

// WithResourceLogger sets the service logger.
func WithResourceLogger(l *slog.Logger) ResourceServerOption {
	return func(rs *ResourceServer) { rs.logger = l }
}

// NewResourceServer builds the resource server from configuration.
func NewResourceServer(cfg *config.Config, tokens auth.TokenStore, opts ...ResourceServerOption) *ResourceServer {
	rs := &ResourceServer{
		oauthCfg:   cfg.OAuth,
		grants:     cfg.Security.Clients,
		revClients: cfg.Revocation.Clients,
		tokens:     tokens,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

// ValidateBearer validates a raw bearer token and projects its principal.
// Failures carry the auth fault kinds; callers map them to 401/403.
func (rs *ResourceServer) ValidateBearer(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, fault.New(fault.AuthMissing, "missing bearer token").
			WithGuidance("Send the token in an Authorization: Bearer header.")
	}

	revoked, err := rs.tokens.IsRevoked(ctx, token)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "revocation check failed", err)
	}
	if revoked {
		rs.auditAuth(false, "", "token is revoked")
		return nil, fault.Wrap(fault.AuthRevoked, "token has been revoked", auth.ErrTokenRevoked)
	}

	var result outbound.IntrospectionResult
	if rs.introspector != nil {
		result, err = rs.introspector.Introspect(ctx, token)
		if err != nil {
			// Fail closed: an unreachable authorization server never
			// admits a token.
			rs.auditAuth(false, "", "introspection unavailable")
			return nil, fault.Wrap(fault.AuthInvalid, "token validation unavailable", err)
		}
		if !result.Active {
			rs.auditAuth(false, result.Subject, "token inactive")
			return nil, fault.Wrap(fault.AuthInvalid, "token is not active", auth.ErrInvalidToken)
		}
		if err := rs.checkClaims(result); err != nil {
			rs.auditAuth(false, result.Subject, err.Error())
			return nil, fault.Wrap(fault.AuthInvalid, "token claims rejected", err)
		}
	} else {
		result, err = rs.verifyLocal(token)
		if err != nil {
			rs.auditAuth(false, "", "signature verification failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, fault.Wrap(fault.AuthInvalid, "token expired", auth.ErrTokenExpired)
			}
			return nil, fault.Wrap(fault.AuthInvalid, "token verification failed", auth.ErrInvalidToken)
		}
	}

	principal := rs.project(result)
	rs.auditAuth(true, principal.Subject, "")
	return principal, nil
}

// checkClaims enforces issuer and audience on introspection results that
// carry them.
func (rs *ResourceServer) checkClaims(result outbound.IntrospectionResult) error {
	if result.Issuer != "" && result.Issuer != rs.oauthCfg.Issuer {
		return fmt.Errorf("issuer %q not trusted", result.Issuer)
	}
	if len(result.Audience) > 0 {
		for _, aud := range result.Audience {
			if aud == rs.oauthCfg.Audience {
				return nil
			}
		}
		return fmt.Errorf("audience mismatch")
	}
	return nil
}

// verifyLocal validates the token signature and registered claims with
// the shared secret.
func (rs *ResourceServer) verifyLocal(token string) (outbound.IntrospectionResult, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{rs.oauthCfg.Algorithm}),
		jwt.WithIssuer(rs.oauthCfg.Issuer),
		jwt.WithAudience(rs.oauthCfg.Audience),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(rs.oauthCfg.JWTSecret), nil
	})
	if err != nil {
		return outbound.IntrospectionResult{}, err
	}

	result := outbound.IntrospectionResult{Active: true}
	result.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		result.IssuedAt = iat.Time
	}
	if cid, ok := claims["client_id"].(string); ok {
		result.ClientID = cid
	} else if azp, ok := claims["azp"].(string); ok {
		result.ClientID = azp
	}
	return result, nil
}

// project resolves the grant table entry for the subject. Unknown
// subjects get the unknown role with no data access.
func (rs *ResourceServer) project(result outbound.IntrospectionResult) *auth.Principal {
	role := auth.RoleUnknown
	permissions := []string{auth.ScopeNone}
	if grant, ok := rs.grants[result.Subject]; ok {
		role = auth.Role(grant.Role)
		permissions = grant.Permissions
	}

	_, hasData := auth.ProjectScopes(permissions)
	return &auth.Principal{
		Subject:       result.Subject,
		ClientID:      result.ClientID,
		Role:          role,
		Permissions:   permissions,
		HasDataAccess: hasData,
		ExpiresAt:     result.ExpiresAt,
		IssuedAt:      result.IssuedAt,
	}
}

// IntrospectionView is the wire shape of /oauth/introspect: RFC 7662
// fields plus the gateway's grant extensions.
type IntrospectionView struct {
	Active        bool     `json:"active"`
	Sub           string   `json:"sub,omitempty"`
	Username      string   `json:"username,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	TokenType     string   `json:"token_type,omitempty"`
	Exp           int64    `json:"exp,omitempty"`
	Iat           int64    `json:"iat,omitempty"`
	Iss           string   `json:"iss,omitempty"`
	Aud           string   `json:"aud,omitempty"`
	Role          string   `json:"role,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	HasDataAccess bool     `json:"has_data_access"`
	MCPCompliance []string `json:"mcp_compliance,omitempty"`
}

// Introspect answers /oauth/introspect. Invalid tokens produce
// {active: false} with no detail, per RFC 7662.
func (rs *ResourceServer) Introspect(ctx context.Context, token string) IntrospectionView {
	principal, err := rs.ValidateBearer(ctx, token)
	if err != nil {
		return IntrospectionView{Active: false}
	}

	mcpPerms, _ := auth.ProjectScopes(principal.Permissions)
	view := IntrospectionView{
		Active:        true,
		Sub:           principal.Subject,
		Username:      principal.Subject,
		ClientID:      principal.ClientID,
		Scope:         strings.Join(principal.Permissions, " "),
		TokenType:     "Bearer",
		Iss:           rs.oauthCfg.Issuer,
		Aud:           rs.oauthCfg.Audience,
		Role:          string(principal.Role),
		Permissions:   principal.Permissions,
		HasDataAccess: principal.HasDataAccess,
		MCPCompliance: mcpPerms,
	}
	if !principal.ExpiresAt.IsZero() {
		view.Exp = principal.ExpiresAt.Unix()
	}
	if !principal.IssuedAt.IsZero() {
		view.Iat = principal.IssuedAt.Unix()
	}
	return view
}

// RevokeToken authenticates the revoking client and records the
// revocation. Per RFC 7009 the operation succeeds even for tokens the
// gateway cannot parse; only client authentication failures error.
func (rs *ResourceServer) RevokeToken(ctx context.Context, clientID, clientSecret, token, typeHint string) error {
	if !rs.authenticateRevocationClient(clientID, clientSecret) {
		rs.logger.Warn("revocation client rejected", "client_id", clientID)
		return fault.New(fault.AuthInvalid, "client authentication failed")
	}

	kind := auth.TokenKindAccess
	if typeHint == string(auth.TokenKindRefresh) {
		kind = auth.TokenKindRefresh
	}

	record := auth.RevocationRecord{
		TokenID:     auth.TokenID(token),
		ContentHash: auth.ContentHash(token),
		RevokedAt:   time.Now(),
		RevokedBy:   clientID,
		Kind:        kind,
	}
	if err := rs.tokens.Revoke(ctx, record); err != nil {
		return fault.Wrap(fault.Internal, "revocation store failed", err)
	}

	if rs.recorder != nil {
		rs.recorder.Record(audit.Event{
			EventType: audit.EventTypeTokenRevoked,
			Severity:  audit.SeverityWarning,
			ClientID:  clientID,
			Success:   true,
			Details:   map[string]any{"token_type_hint": string(kind)},
		})
	}
	return nil
}

// authenticateRevocationClient checks the client secret against the
// configured hash: argon2id ($argon2id$...) or legacy sha256:<hex>.
func (rs *ResourceServer) authenticateRevocationClient(clientID, clientSecret string) bool {
	stored, ok := rs.revClients[clientID]
	if !ok {
		return false
	}

	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		match, err := argon2id.ComparePasswordAndHash(clientSecret, stored)
		return err == nil && match
	case strings.HasPrefix(stored, "sha256:"):
		sum := sha256.Sum256([]byte(clientSecret))
		want := strings.TrimPrefix(stored, "sha256:")
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) == 1
	default:
		return false
	}
}

func (rs *ResourceServer) auditAuth(success bool, subject, reason string) {
	if rs.recorder == nil {
		return
	}
	e := audit.Event{
		EventType:   audit.EventTypeAuthSuccess,
		Severity:    audit.SeverityInfo,
		PrincipalID: subject,
		Success:     success,
	}
	if !success {
		e.EventType = audit.EventTypeAuthFailure
		e.Severity = audit.SeverityWarning
		e.Details = map[string]any{"reason": reason}
	}
	rs.recorder.Record(e)
}
