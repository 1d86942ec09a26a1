package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all Prometheus metrics for runbox.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Planner metrics.
	PlannerRequestsTotal   *prometheus.CounterVec
	PlannerRequestDuration *prometheus.HistogramVec
	PlannerTokensUsed      *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Policy metrics.
	PolicyChecksTotal *prometheus.CounterVec

	// Session metrics.
	SessionsTotal   *prometheus.CounterVec
	SessionAttempts prometheus.Histogram

	// Cache metrics.
	CacheLookupsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		PlannerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "planner",
			Name:      "requests_total",
			Help:      "Total planner API requests.",
		}, []string{"provider", "status"}),

		PlannerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "planner",
			Name:      "request_duration_seconds",
			Help:      "Planner API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		PlannerTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "planner",
			Name:      "tokens_used_total",
			Help:      "Total planner tokens consumed.",
		}, []string{"provider", "direction"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"intent", "classification"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"intent"}),

		PolicyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "policy",
			Name:      "checks_total",
			Help:      "Total policy evaluations.",
		}, []string{"result"}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "session",
			Name:      "total",
			Help:      "Total sessions by terminal status.",
		}, []string{"status"}),

		SessionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "session",
			Name:      "attempts",
			Help:      "Planning attempts consumed per session.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total artifact cache lookups.",
		}, []string{"outcome"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.PlannerRequestsTotal,
		m.PlannerRequestDuration,
		m.PlannerTokensUsed,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.PolicyChecksTotal,
		m.SessionsTotal,
		m.SessionAttempts,
		m.CacheLookupsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry in the
// Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
