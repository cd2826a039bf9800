// Package httpapi is the inbound HTTP adapter: the JSON-RPC entrypoint
// at /mcp, the OAuth resource-server endpoints, health, metrics, and the
// admin audit view. It binds the service layer to HTTP and owns the
// middleware chain.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datagate-io/datagate/internal/adapter/outbound/memory"
	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/policy"
	"github.com/datagate-io/datagate/internal/port/outbound"
	"github.com/datagate-io/datagate/internal/service"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the inbound HTTP adapter.
type Server struct {
	oauthCfg     config.OAuthConfig
	resource     *service.ResourceServer
	security     *service.SecurityService
	orchestrator *service.Orchestrator
	hub          outbound.MDHClient
	policies     policy.Engine
	recorder     service.Recorder
	auditStore   audit.EventStore
	auditService *service.AuditService
	limiter      *memory.RateLimiter
	health       *HealthChecker

	addr    string
	version string
	logger  *slog.Logger

	registry *prometheus.Registry
	metrics  *Metrics

	buildOnce sync.Once
	handler   http.Handler
	server    *http.Server
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported by initialize and /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithPolicyEngine sets the tool-access policy engine. Default allows
// every tool (scope checks still apply).
func WithPolicyEngine(e policy.Engine) Option {
	return func(s *Server) { s.policies = e }
}

// WithRecorder wires audit emission for transport-level events.
func WithRecorder(r service.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithAuditStore enables GET /admin/audit over the given store.
func WithAuditStore(store audit.EventStore) Option {
	return func(s *Server) { s.auditStore = store }
}

// WithAuditService exposes sink backpressure as metrics.
func WithAuditService(svc *service.AuditService) Option {
	return func(s *Server) { s.auditService = svc }
}

// WithRateLimiter exposes the limiter's key count as a gauge.
func WithRateLimiter(l *memory.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealthChecker sets the /health component checker.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// NewServer builds the HTTP adapter over the service layer.
func NewServer(oauthCfg config.OAuthConfig, resource *service.ResourceServer, security *service.SecurityService, orchestrator *service.Orchestrator, hub outbound.MDHClient, opts ...Option) *Server {
	s := &Server{
		oauthCfg:     oauthCfg,
		resource:     resource,
		security:     security,
		orchestrator: orchestrator,
		hub:          hub,
		policies:     policy.AllowAll{},
		addr:         "127.0.0.1:8080",
		version:      "dev",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds (once) and returns the root handler: routes, middleware
// chain, and metrics registry.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)
		s.registerComponentMetrics()

		// Middleware chain, outermost first:
		// Metrics -> RequestID -> RealIP -> Bearer -> RateLimit -> handler.
		// Metrics is outermost so the duration covers everything; rate
		// limiting is innermost so denials still carry a request id.
		chain := func(h http.Handler) http.Handler {
			h = RateLimitMiddleware(s.security, s.metrics)(h)
			h = BearerMiddleware(h)
			h = RealIPMiddleware(h)
			h = RequestIDMiddleware(s.logger)(h)
			h = MetricsMiddleware(s.metrics)(h)
			return h
		}

		mux := http.NewServeMux()
		mux.Handle("/mcp", chain(s.mcpHandler()))
		mux.Handle("/oauth/introspect", chain(s.introspectHandler()))
		mux.Handle("/oauth/revoke", chain(s.revokeHandler()))
		mux.Handle("/admin/audit", chain(s.adminAuditHandler()))
		mux.Handle("/ratelimit/test", chain(s.rateLimitTestHandler()))
		mux.Handle("/.well-known/oauth-protected-resource", s.wellKnownHandler())
		if s.health != nil {
			mux.Handle("/health", s.health.Handler())
		} else {
			mux.Handle("/health", healthHandler())
		}
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		s.handler = mux
	})
	return s.handler
}

// registerComponentMetrics exports counters owned by other components as
// read functions, so they need no metrics dependency themselves.
func (s *Server) registerComponentMetrics() {
	if s.auditService != nil {
		svc := s.auditService
		s.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "audit_drops_total",
				Help:      "Total audit events dropped due to backpressure",
			},
			func() float64 { return float64(svc.DroppedTotal()) },
		))
	}
	if s.limiter != nil {
		limiter := s.limiter
		s.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "datagate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
			func() float64 { return float64(limiter.Len()) },
		))
	}
}

// Start serves HTTP until the context is cancelled or the listener
// fails, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close shuts the server down outside of Start's lifecycle.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
