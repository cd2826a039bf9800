// Package auth contains domain types for bearer-token authentication,
// principal projection, and token revocation.
package auth

import (
	"errors"
	"strings"
	"time"
)

// Role classifies an authenticated principal.
type Role string

// Known roles. Subjects missing from the grant table map to RoleUnknown.
const (
	RoleExecutive Role = "executive"
	RoleManager   Role = "manager"
	RoleClerk     Role = "clerk"
	RoleService   Role = "service"
	RoleUnknown   Role = "unknown"
)

// MCP-surface permissions derived from granted scopes.
const (
	PermMCPRead    = "mcp:read"
	PermMCPExecute = "mcp:execute"
	PermMCPAdmin   = "mcp:admin"
)

// Scope strings accepted in grant tables and token claims.
const (
	ScopeReadAll  = "read:all"
	ScopeWriteAll = "write:all"
	ScopeNone     = "none"
)

// ErrInvalidToken is returned when a bearer token fails validation.
var ErrInvalidToken = errors.New("invalid bearer token")

// ErrTokenRevoked is returned when a token is present in the revocation store.
var ErrTokenRevoked = errors.New("token revoked")

// ErrTokenExpired is returned when a token's exp claim has passed.
var ErrTokenExpired = errors.New("token expired")

// Principal is the authenticated identity projected from a validated token.
type Principal struct {
	// Subject is the token's sub claim.
	Subject string
	// ClientID is the token's client_id or azp claim, when present.
	ClientID string
	// Role is resolved from the configured grant table.
	Role Role
	// Permissions are the raw granted scopes (read:all, read:<domain>, ...).
	Permissions []string
	// HasDataAccess is true when at least one read scope is granted.
	HasDataAccess bool
	// ExpiresAt is the token expiry, zero when unknown.
	ExpiresAt time.Time
	// IssuedAt is the token issue time, zero when unknown.
	IssuedAt time.Time
}

// ProjectScopes derives the MCP permission surface and data-access flag
// from the raw permission set:
//
//	read:all       permits mcp:read and mcp:execute; data access allowed.
//	write:all      additionally permits mcp:admin.
//	read:<domain>  data access allowed only for that model domain.
//	none           has-data-access = false.
func ProjectScopes(permissions []string) (mcpPerms []string, hasDataAccess bool) {
	seen := make(map[string]struct{}, 4)
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			mcpPerms = append(mcpPerms, p)
		}
	}

	for _, perm := range permissions {
		switch {
		case perm == ScopeReadAll:
			add(PermMCPRead)
			add(PermMCPExecute)
			hasDataAccess = true
		case perm == ScopeWriteAll:
			add(PermMCPRead)
			add(PermMCPExecute)
			add(PermMCPAdmin)
			hasDataAccess = true
		case strings.HasPrefix(perm, "read:"):
			// Domain-scoped read: data access for that domain only.
			add(PermMCPRead)
			add(PermMCPExecute)
			hasDataAccess = true
		case perm == ScopeNone:
			// Explicitly no data access; contributes nothing.
		}
	}
	return mcpPerms, hasDataAccess
}

// HasPermission reports whether the principal's projected MCP permissions
// include the given permission.
func (p *Principal) HasPermission(perm string) bool {
	mcpPerms, _ := ProjectScopes(p.Permissions)
	for _, have := range mcpPerms {
		if have == perm {
			return true
		}
	}
	return false
}

// CanReadModel reports whether the principal may read records of the model
// with the given canonical name. read:all and write:all grant everything;
// read:<domain> grants models whose canonical name equals <domain>
// (case-insensitive).
func (p *Principal) CanReadModel(modelName string) bool {
	for _, perm := range p.Permissions {
		switch {
		case perm == ScopeReadAll || perm == ScopeWriteAll:
			return true
		case strings.HasPrefix(perm, "read:"):
			domain := strings.TrimPrefix(perm, "read:")
			if strings.EqualFold(domain, modelName) {
				return true
			}
		}
	}
	return false
}

// IsBlockedFromData reports whether the principal must be denied before any
// data egress. A clerk with no read scope has no data access by invariant.
func (p *Principal) IsBlockedFromData() bool {
	return !p.HasDataAccess
}
