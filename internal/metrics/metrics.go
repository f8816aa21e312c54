// Package metrics holds the Prometheus instrumentation for the engine. All
// collectors live on one Registry so the exposition endpoint and tests see
// exactly what the process registered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the engine records into.
type Registry struct {
	reg *prometheus.Registry

	// Provider request outcomes by venue and error kind.
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Liquidation ingestion.
	LiquidationsIngested *prometheus.CounterVec
	LiquidationsDropped  *prometheus.CounterVec
	StreamReconnects     *prometheus.CounterVec

	// Cascade detector.
	CascadeTransitions *prometheus.CounterVec
	CascadeProbability *prometheus.GaugeVec

	// Alert dispatcher.
	AlertsDelivered *prometheus.CounterVec
	AlertsDropped   *prometheus.CounterVec
	AlertQueueDepth prometheus.Gauge

	// Configuration.
	ConfigGeneration prometheus.Gauge
	ConfigErrors     prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_provider_requests_total",
				Help: "Total venue API requests by outcome",
			},
			[]string{"venue", "status"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_provider_errors_total",
				Help: "Venue API failures by error kind",
			},
			[]string{"venue", "kind"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "derivpulse_provider_latency_seconds",
				Help:    "Venue API request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"venue"},
		),

		LiquidationsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_liquidations_ingested_total",
				Help: "Liquidation events accepted into the ring buffers",
			},
			[]string{"venue"},
		),
		LiquidationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_liquidations_dropped_total",
				Help: "Liquidation events rejected during ingestion",
			},
			[]string{"reason"},
		),
		StreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_stream_reconnects_total",
				Help: "WebSocket reconnect attempts by venue",
			},
			[]string{"venue"},
		),

		CascadeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_cascade_transitions_total",
				Help: "Cascade severity transitions by symbol and level",
			},
			[]string{"symbol", "level", "kind"},
		),
		CascadeProbability: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "derivpulse_cascade_probability",
				Help: "Latest cascade probability per symbol",
			},
			[]string{"symbol"},
		),

		AlertsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_alerts_delivered_total",
				Help: "Alert envelopes delivered by sink",
			},
			[]string{"sink"},
		),
		AlertsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivpulse_alerts_dropped_total",
				Help: "Alert envelopes dropped before delivery",
			},
			[]string{"reason"},
		),
		AlertQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "derivpulse_alert_queue_depth",
				Help: "Pending envelopes in the dispatch queue",
			},
		),

		ConfigGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "derivpulse_config_generation",
				Help: "Active configuration generation number",
			},
		),
		ConfigErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "derivpulse_config_errors_total",
				Help: "Configuration reload failures",
			},
		),
	}

	r.reg.MustRegister(
		r.ProviderRequests,
		r.ProviderErrors,
		r.ProviderLatency,
		r.LiquidationsIngested,
		r.LiquidationsDropped,
		r.StreamReconnects,
		r.CascadeTransitions,
		r.CascadeProbability,
		r.AlertsDelivered,
		r.AlertsDropped,
		r.AlertQueueDepth,
		r.ConfigGeneration,
		r.ConfigErrors,
	)
	return r
}

// Handler serves the exposition endpoint for this registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and the health report.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordVenueError bumps both the request and the error counters.
func (r *Registry) RecordVenueError(venue, kind string) {
	r.ProviderRequests.WithLabelValues(venue, "error").Inc()
	r.ProviderErrors.WithLabelValues(venue, kind).Inc()
}

// RecordVenueSuccess bumps the request counter and observes the latency.
func (r *Registry) RecordVenueSuccess(venue string, seconds float64) {
	r.ProviderRequests.WithLabelValues(venue, "ok").Inc()
	r.ProviderLatency.WithLabelValues(venue).Observe(seconds)
}
