// Package metrics provides Prometheus collectors for the build-verify loop:
// HTTP traffic, AI routing, sandbox runs, and supervisor cycles.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors. Obtain it through Get.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// AI routing
	AIRequestsTotal   *prometheus.CounterVec // provider, outcome
	AITokensUsed      *prometheus.CounterVec // model, direction
	AICostTotal       *prometheus.CounterVec // model
	AIFallbacksTotal  *prometheus.CounterVec // from, to
	KeyRotationsTotal *prometheus.CounterVec // provider

	// Sandbox
	SandboxRunsTotal   *prometheus.CounterVec // strategy, status
	SandboxRunDuration *prometheus.HistogramVec

	// Supervisor
	BuildsTotal          *prometheus.CounterVec // final_state
	BuildCycles          prometheus.Histogram
	ValidationViolations *prometheus.CounterVec // kind

	// WebSocket
	WSConnectionsGauge prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)
	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgebuild",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)
	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgebuild",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being processed",
		},
	)

	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Wire attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	m.AITokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and direction",
		},
		[]string{"model", "direction"},
	)
	m.AICostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "ai",
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model",
		},
		[]string{"model"},
	)
	m.AIFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "ai",
			Name:      "fallbacks_total",
			Help:      "Provider fallbacks taken after primary exhaustion",
		},
		[]string{"from", "to"},
	)
	m.KeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "ai",
			Name:      "key_rotations_total",
			Help:      "Credential rotations triggered by rate limits",
		},
		[]string{"provider"},
	)

	m.SandboxRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Sandbox executions by strategy and status",
		},
		[]string{"strategy", "status"},
	)
	m.SandboxRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgebuild",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of sandbox executions",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)

	m.BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "supervisor",
			Name:      "builds_total",
			Help:      "Completed build runs by final state",
		},
		[]string{"final_state"},
	)
	m.BuildCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgebuild",
			Subsystem: "supervisor",
			Name:      "cycles_per_build",
			Help:      "Fix cycles consumed per build run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 7, 10},
		},
	)
	m.ValidationViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgebuild",
			Subsystem: "validate",
			Name:      "violations_total",
			Help:      "Static validation violations by kind",
		},
		[]string{"kind"},
	)

	m.WSConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgebuild",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Active WebSocket connections",
		},
	)

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, statusText(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func statusText(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
