package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a Prometheus registry with the gateway's collectors.
//
// Each Metrics has its own registry so that tests and multiple gateways in
// one process do not collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequestCounter counts dispatched HTTP requests.
	// Labels: route (health|hooks|control_ui|chat_completions|responses|canvas|not_found|unauthorized), status
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures dispatch latency in seconds.
	// Labels: route
	HTTPRequestDuration *prometheus.HistogramVec

	// RPCCallCounter counts RPC method calls.
	// Labels: method, outcome (ok|timeout|transport|decode|remote|error)
	RPCCallCounter *prometheus.CounterVec

	// RPCCallDuration measures RPC latency in seconds.
	// Labels: method
	RPCCallDuration *prometheus.HistogramVec

	// StatusPollCounter counts provider status polls.
	// Labels: kind (probe|background), outcome (ok|error)
	StatusPollCounter *prometheus.CounterVec

	// ProviderConnected is 1 while the provider reports connected/running.
	// Labels: provider
	ProviderConnected *prometheus.GaugeVec
}

// NewMetrics creates a registry and registers all collectors, including the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkgate_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"route"},
		),
		RPCCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkgate_rpc_calls_total",
				Help: "Total number of RPC calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkgate_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
			},
			[]string{"method"},
		),
		StatusPollCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkgate_status_polls_total",
				Help: "Total number of provider status polls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ProviderConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "linkgate_provider_connected",
				Help: "Whether a provider is currently connected (1) or not (0)",
			},
			[]string{"provider"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one dispatched request.
func (m *Metrics) RecordHTTPRequest(route, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordRPCCall records one RPC call.
func (m *Metrics) RecordRPCCall(method, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RPCCallCounter.WithLabelValues(method, outcome).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordStatusPoll records one status poll.
func (m *Metrics) RecordStatusPoll(probe bool, ok bool) {
	if m == nil {
		return
	}
	kind := "background"
	if probe {
		kind = "probe"
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.StatusPollCounter.WithLabelValues(kind, outcome).Inc()
}

// SetProviderConnected updates the connected gauge for provider.
func (m *Metrics) SetProviderConnected(provider string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.ProviderConnected.WithLabelValues(provider).Set(value)
}
