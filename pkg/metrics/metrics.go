// Package metrics defines the Prometheus metric collectors of the callback
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	AdmissionDecisionsTotal *prometheus.CounterVec
	CallbacksTotal          *prometheus.CounterVec
	ProcessingDuration      prometheus.Histogram
	DocumentsProcessedTotal *prometheus.CounterVec
	BatchDispatchesTotal    *prometheus.CounterVec
	NotificationsTotal      *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Admission-control decisions by strategy and outcome (allowed, rate_limited, blocked).",
			},
			[]string{"strategy", "decision"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbacks_total",
				Help: "Callback requests by final outcome (success, duplicate, bad_request, unauthorized, forbidden, not_found, error).",
			},
			[]string{"outcome"},
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "document_processing_duration_seconds",
				Help:    "End-to-end document processing duration reported through callbacks.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		DocumentsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_processed_total",
				Help: "Documents reaching a terminal state by result (processed, error).",
			},
			[]string{"result"},
		),
		BatchDispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_dispatches_total",
				Help: "Next-in-batch dispatch attempts by status (dispatched, exhausted, failed).",
			},
			[]string{"status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "User notification events by status (sent, failed, skipped).",
			},
			[]string{"status"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AdmissionDecisionsTotal,
		m.CallbacksTotal,
		m.ProcessingDuration,
		m.DocumentsProcessedTotal,
		m.BatchDispatchesTotal,
		m.NotificationsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
