// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
// Used by HTTP middleware to store and retrieve the logger enriched with request_id.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request ID.
type RequestIDKey struct{}

// ClientIPKey is the context key type for the client's real IP address.
// Set by the RealIP middleware, consumed by the rate limiter.
type ClientIPKey struct{}

// BearerTokenKey is the context key type for the raw bearer token.
// Set by the auth middleware before validation.
type BearerTokenKey struct{}
