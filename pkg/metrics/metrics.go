// Package metrics exposes the service's Prometheus collectors: orchestrator
// stages, model calls, dataset caches, the model circuit breaker, and HTTP
// traffic. Every method is safe on a nil *Metrics and then records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vivitsaS/drive-qa/pkg/resilience"
)

const namespace = "driveqa"

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	// Requests counts orchestrator envelopes by status and category.
	Requests *prometheus.CounterVec
	// StageDuration measures each orchestrator state.
	StageDuration *prometheus.HistogramVec
	// ModelCalls counts model calls by model and outcome (success|retryable|fatal).
	ModelCalls *prometheus.CounterVec
	// ModelLatency measures model call latency.
	ModelLatency *prometheus.HistogramVec
	// ModelTokens counts tokens by model and type (prompt|output).
	ModelTokens *prometheus.CounterVec
	// CacheLookups counts dataset cache lookups by cache and result (hit|miss).
	CacheLookups *prometheus.CounterVec
	// BreakerState is the circuit breaker state: 0 closed, 1 open, 2 half-open.
	BreakerState *prometheus.GaugeVec
	// HTTPRequests counts API requests by method, route and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration measures API request latency.
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Question answering requests by envelope status and category.",
		}, []string{"status", "category"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each orchestrator stage.",
			Buckets:   DefaultBuckets,
		}, []string{"stage", "status"}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by model and outcome.",
		}, []string{"model", "outcome"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by model and type.",
		}, []string{"model", "type"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Dataset cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   DefaultBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests, m.StageDuration, m.ModelCalls, m.ModelLatency, m.ModelTokens,
		m.CacheLookups, m.BreakerState, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest counts one orchestrator envelope.
func (m *Metrics) ObserveRequest(status, category string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(status, category).Inc()
}

// ObserveStage records one orchestrator stage.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// ObserveModelCall records one model call and its token usage.
func (m *Metrics) ObserveModelCall(model, outcome string, d time.Duration, promptTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(model, outcome).Inc()
	m.ModelLatency.WithLabelValues(model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if outputTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// CacheLookup records a dataset cache lookup.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// BreakerObserver returns a state change hook that tracks breaker name.
func (m *Metrics) BreakerObserver(name string) func(from, to resilience.State) {
	return func(_, to resilience.State) {
		if m == nil {
			return
		}
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
