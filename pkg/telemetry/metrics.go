// Package telemetry wires the server's Prometheus metrics and the
// process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the compute server.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	computeErrors   *prometheus.CounterVec
	datasetsHosted  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the server metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_requests_total",
				Help: "Total requests served by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_request_duration_seconds",
				Help:    "Request handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		computeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_compute_errors_total",
				Help: "Compute failures by error code",
			},
			[]string{"code"},
		),
		datasetsHosted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_datasets_hosted",
				Help: "Number of datasets in the live registry",
			},
		),
		registry: registry,
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.computeErrors, m.datasetsHosted)
	return m
}

// RecordRequest counts a finished request and observes its latency.
func (m *Metrics) RecordRequest(endpoint string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordComputeError counts a classified compute failure.
func (m *Metrics) RecordComputeError(code string) {
	m.computeErrors.WithLabelValues(code).Inc()
}

// SetDatasetCount reports the current registry size.
func (m *Metrics) SetDatasetCount(n int) {
	m.datasetsHosted.Set(float64(n))
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
