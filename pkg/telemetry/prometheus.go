package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the authorizer
type Metrics struct {
	initTotal        *prometheus.CounterVec
	initDuration     prometheus.Histogram
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	callbacksTotal   *prometheus.CounterVec
	engineInstalled  prometheus.Gauge
	reloadsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance backed by its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		initTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_init_total",
				Help: "Total number of engine initialisations by status",
			},
			[]string{"status"},
		),

		initDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authz_init_duration_seconds",
				Help:    "Time spent building the engine and draining init callbacks",
				Buckets: prometheus.DefBuckets,
			},
		),

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_decisions_total",
				Help: "Total number of decisions by method and result",
			},
			[]string{"method", "result"},
		),

		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_decision_duration_seconds",
				Help:    "Decision latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method"},
		),

		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_callback_drains_total",
				Help: "Total number of init callback queue drains by queue and status",
			},
			[]string{"queue", "status"},
		),

		engineInstalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_engine_installed",
				Help: "Whether an engine is installed (1=initialised, 0=uninitialised)",
			},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_reloads_total",
				Help: "Total number of model/policy reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.initTotal,
		m.initDuration,
		m.decisionsTotal,
		m.decisionDuration,
		m.callbacksTotal,
		m.engineInstalled,
		m.reloadsTotal,
	)

	return m
}

// RecordInit records an Init attempt
func (m *Metrics) RecordInit(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.initTotal.WithLabelValues(status).Inc()
	m.initDuration.Observe(duration.Seconds())
}

// RecordDecision records a decision outcome. Result is "allow", "deny" or "error".
func (m *Metrics) RecordDecision(method, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(method, result).Inc()
	m.decisionDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCallbackDrain records one drain of a callback queue
func (m *Metrics) RecordCallbackDrain(queue, status string) {
	if m == nil {
		return
	}
	m.callbacksTotal.WithLabelValues(queue, status).Inc()
}

// SetEngineInstalled updates the installed-engine gauge
func (m *Metrics) SetEngineInstalled(installed bool) {
	if m == nil {
		return
	}
	value := 0.0
	if installed {
		value = 1.0
	}
	m.engineInstalled.Set(value)
}

// RecordReload records a watcher-triggered reload
func (m *Metrics) RecordReload(status string) {
	if m == nil {
		return
	}
	m.reloadsTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
