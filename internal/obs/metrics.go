// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Process-wide metric registry for the compute_* namespace, registered
// once at init.
var (
	ComputeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_requests_total",
		Help: "Total routed compute requests.",
	}, []string{"provider", "type", "status"})

	ComputeRequestErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_request_errors_total",
		Help: "Total routed compute request errors.",
	}, []string{"provider", "type", "error_type"})

	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"provider", "from", "to"})

	RoutingDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_routing_decisions_total",
		Help: "Routing decisions made by the provider router.",
	}, []string{"provider", "strategy", "reason"})

	FallbackEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_fallback_events_total",
		Help: "Fallback events emitted during failover.",
	}, []string{"from", "to", "reason"})

	ProviderHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_provider_health",
		Help: "Provider health: 1 healthy, 0.5 degraded, 0 unhealthy.",
	}, []string{"provider"})

	ProviderResponseTimeMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_provider_response_time_ms",
		Help: "Exponentially-smoothed provider response time.",
	}, []string{"provider"})

	ProviderActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_provider_active_connections",
		Help: "In-flight requests per provider.",
	}, []string{"provider"})

	ProviderSuccessRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_provider_success_rate",
		Help: "Rolling success rate per provider.",
	}, []string{"provider"})

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_circuit_breaker_state",
		Help: "Circuit breaker state: 1 closed, 0.5 half-open, 0 open.",
	}, []string{"provider"})

	RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compute_request_duration_seconds",
		Help:    "Routed compute request duration.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider", "type"})

	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compute_queue_reaper_recovered_total",
		Help: "Jobs requeued by the reaper after exceeding their stuck-active grace period.",
	})
)

func init() {
	prometheus.MustRegister(
		ComputeRequestsTotal, ComputeRequestErrorsTotal, CircuitBreakerTransitionsTotal,
		RoutingDecisionsTotal, FallbackEventsTotal, ProviderHealth, ProviderResponseTimeMs,
		ProviderActiveConnections, ProviderSuccessRate, CircuitBreakerStateGauge, RequestDurationSeconds,
		ReaperRecovered,
	)
}

// StartMetricsServer exposes /metrics on the given port.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
