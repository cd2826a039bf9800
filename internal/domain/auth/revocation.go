package auth

import (
	"context"
	"time"
)

// TokenKind distinguishes revoked access and refresh tokens.
type TokenKind string

// Token kinds accepted as token_type_hint values.
const (
	TokenKindAccess  TokenKind = "access_token"
	TokenKindRefresh TokenKind = "refresh_token"
)

// RevocationRecord marks a token as unusable regardless of signature
// validity. Keyed by token identifier OR by content hash.
type RevocationRecord struct {
	// TokenID is the stable per-issue identifier (jti), when extractable.
	TokenID string
	// ContentHash is the SHA-256 digest of the raw token.
	ContentHash string
	// RevokedAt is when the revocation was recorded.
	RevokedAt time.Time
	// RevokedBy is the client_id that requested revocation.
	RevokedBy string
	// Reason is an internal note, never user-visible.
	Reason string
	// Kind is the token_type_hint supplied by the caller.
	Kind TokenKind
	// ExpiresAt bounds how long the record is kept.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry.
func (r *RevocationRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// TokenStore persists revocation records with TTL-bounded lifetime.
// Implementations must be safe for concurrent use; a revocation must be
// visible to subsequent IsRevoked calls atomically.
type TokenStore interface {
	// Revoke inserts a record keyed by both its token identifier (when
	// non-empty) and its content hash.
	Revoke(ctx context.Context, record RevocationRecord) error

	// IsRevoked reports whether the token is revoked by identifier OR
	// by content hash, ignoring expired records.
	IsRevoked(ctx context.Context, token string) (bool, error)

	// CleanupExpired removes expired records and returns how many were
	// deleted.
	CleanupExpired(ctx context.Context) (int, error)

	// Len returns the current record count (identifier and hash keys
	// counted once per revocation).
	Len() int
}
