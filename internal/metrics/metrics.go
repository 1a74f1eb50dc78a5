// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for backend latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin API.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Proxy engine.
	SessionsTotal     *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	RelayResponses    *prometheus.CounterVec
	Injections        *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	BackendErrors     *prometheus.CounterVec
	WebSocketTunnels  *prometheus.CounterVec
	Subscribers       prometheus.Gauge
	ReloadSignals     *prometheus.CounterVec
	SubscriberEvicted prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_admin_requests_total",
			Help: "Total admin API requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quik_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quik_admin_requests_in_flight",
			Help: "Number of admin API requests currently being processed.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_sessions_total",
			Help: "Client sessions by negotiated protocol.",
		}, []string{"protocol"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quik_sessions_active",
			Help: "Client connections currently open.",
		}),

		RelayResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_relay_responses_total",
			Help: "Responses relayed to clients by body strategy and status code.",
		}, []string{"strategy", "status_code"}),

		Injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_injections_total",
			Help: "HTML bodies considered for injection, by result.",
		}, []string{"result"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quik_backend_request_duration_seconds",
			Help:    "Time from dialing the backend to its response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_backend_errors_total",
			Help: "Backend failures by kind.",
		}, []string{"kind"}),

		WebSocketTunnels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_websocket_tunnels_total",
			Help: "WebSocket tunnel attempts by result.",
		}, []string{"result"}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quik_sse_subscribers",
			Help: "Browsers currently subscribed to reload events.",
		}),

		ReloadSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quik_reload_signals_total",
			Help: "Reload signals raised, by reason.",
		}, []string{"reason"}),

		SubscriberEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quik_sse_evictions_total",
			Help: "Subscribers dropped after a failed or slow write.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.SessionsTotal,
		m.SessionsActive,
		m.RelayResponses,
		m.Injections,
		m.BackendDuration,
		m.BackendErrors,
		m.WebSocketTunnels,
		m.Subscribers,
		m.ReloadSignals,
		m.SubscriberEvicted,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed admin path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/status", "/reload", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// knownReasons bounds the reason label; free-form reasons from the admin API map to "other".
var knownReasons = map[string]bool{
	"static-change": true, "template-change": true, "manual": true,
}

// NormalizeReason returns a bounded reload reason label.
func NormalizeReason(reason string) string {
	if knownReasons[reason] {
		return reason
	}
	return "other"
}
