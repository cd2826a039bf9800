package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/datagate-io/datagate/internal/ctxkey"
	"github.com/datagate-io/datagate/internal/service"
)

// RequestIDMiddleware extracts or generates a request id, stores it in
// context, and enriches the logger with it. The id is echoed back in the
// X-Request-ID response header for correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the request-scoped logger from context.
// Returns slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext retrieves the request id from context, empty when
// the middleware did not run.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RealIPMiddleware extracts the client's real IP for rate limiting and
// audit attribution. X-Forwarded-For and X-Real-IP are honored for
// reverse-proxy deployments; only the first X-Forwarded-For entry is
// trusted to avoid spoofing.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), ctxkey.ClientIPKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRealIP derives the client identifier: the first X-Forwarded-For
// entry, then X-Real-IP, then the socket address. With no address at all
// a hash of the user agent stands in, so rate limiting still keys on
// something stable per client.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "ua-" + strconv.FormatUint(xxhash.Sum64String(r.UserAgent()), 16)
}

// ClientIPFromContext retrieves the real client IP from context.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ctxkey.ClientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// BearerMiddleware extracts the raw bearer token from the Authorization
// header into context. Validation happens later, in the handlers; an
// absent or malformed header simply leaves the token empty.
func BearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			ctx := context.WithValue(r.Context(), ctxkey.BearerTokenKey{}, token)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// BearerFromContext retrieves the raw bearer token from context.
func BearerFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(ctxkey.BearerTokenKey{}).(string); ok {
		return token
	}
	return ""
}

// RateLimitMiddleware enforces per-client, per-endpoint limits before the
// handler runs. The client identifier is the real IP from context. Every
// response carries X-RateLimit headers; denials return 429 with an
// integer Retry-After, blacklisted clients included.
func RateLimitMiddleware(security *service.SecurityService, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ClientIPFromContext(r.Context())
			if clientID == "" {
				clientID = extractRealIP(r)
			}

			status, err := security.CheckRateLimit(r.Context(), clientID, r.URL.Path)
			if err != nil {
				LoggerFromContext(r.Context()).Error("rate limit check failed", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
			if !status.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
			}

			if !status.Allowed {
				retryAfter := int(status.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if metrics != nil {
					reason := "rate_limit"
					if status.Blacklisted {
						reason = "blacklist"
					}
					metrics.BlockedTotal.WithLabelValues(reason).Inc()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"RATE_LIMIT_EXCEEDED","message":"rate limit exceeded, slow down"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
