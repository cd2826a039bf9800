package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus metrics. Vector metrics are
// updated by the middleware and handlers; the audit-drop counter and
// rate-limit-key gauge are registered as read functions over the owning
// components in Server.registerComponentMetrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BlockedTotal    *prometheus.CounterVec
	PolicyDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers the vector metrics with the registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "datagate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BlockedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "blocked_requests_total",
				Help:      "Requests denied before reaching the hub",
			},
			[]string{"reason"}, // reason=rate_limit/blacklist/auth/security/policy
		),
		PolicyDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "policy_evaluations_total",
				Help:      "Total tool-policy evaluations",
			},
			[]string{"result"}, // result=allow/deny
		),
	}
}
