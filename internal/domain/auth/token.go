package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenID derives the stable per-issue identifier for a bearer token.
// For JWTs this is the jti claim; tokens without an extractable jti
// return an empty string and callers must fall back to ContentHash.
// The token signature is NOT verified here; identity extraction must
// work for revocation of tokens we can no longer validate.
func TokenID(token string) string {
	if !looksLikeJWT(token) {
		return ""
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	// ParseUnverified never validates the signature.
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}

	if jti, ok := claims["jti"].(string); ok {
		return jti
	}
	return ""
}

// ContentHash returns the SHA-256 hex digest of the raw token.
// Stable per token content; used as the revocation key when no
// token identifier is extractable.
func ContentHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// looksLikeJWT reports whether a token has the three-segment JWT shape.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
