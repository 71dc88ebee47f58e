// Package metrics holds the Prometheus collectors shared by idobata
// services.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the backend.
type Metrics struct {
	// LLM calls
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec

	// Extraction pipeline
	ExtractionsTotal *prometheus.CounterVec

	// Realtime fan-out
	WSConnections prometheus.Gauge
	WSEmitsTotal  *prometheus.CounterVec
	WSDropsTotal  prometheus.Counter
}

// New creates and registers the collectors on the default registry.
// It is safe to call more than once; every caller gets the same set.
//
// Metrics:
//   - idobata_llm_requests_total{model,outcome}
//   - idobata_llm_request_duration_seconds{model}
//   - idobata_extractions_total{type,kind}
//   - idobata_ws_connections
//   - idobata_ws_emits_total{event}
//   - idobata_ws_dropped_clients_total
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			LLMRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "idobata_llm_requests_total",
					Help: "Total number of LLM chat completion requests",
				},
				[]string{"model", "outcome"}, // "ok", "error", "empty"
			),

			LLMRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "idobata_llm_request_duration_seconds",
					Help:    "Duration of LLM chat completion requests in seconds",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
				},
				[]string{"model"},
			),

			ExtractionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "idobata_extractions_total",
					Help: "Total number of problems and solutions created or updated by extraction",
				},
				[]string{"type", "kind"},
			),

			WSConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "idobata_ws_connections",
					Help: "Current number of open WebSocket connections",
				},
			),

			WSEmitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "idobata_ws_emits_total",
					Help: "Total number of frames queued to WebSocket clients",
				},
				[]string{"event"},
			),

			WSDropsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "idobata_ws_dropped_clients_total",
					Help: "Total number of WebSocket clients disconnected for a full send queue",
				},
			),
		}
	})

	return globalMetrics
}

// RecordLLMRequest records one completed LLM request.
func (m *Metrics) RecordLLMRequest(model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(model, outcome).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordExtraction records a created ("new") or changed ("update") item.
func (m *Metrics) RecordExtraction(itemType, kind string) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(itemType, kind).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordEmit records n frames of event queued to clients.
func (m *Metrics) RecordEmit(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.WSEmitsTotal.WithLabelValues(event).Add(float64(n))
}

// RecordDrop records a slow client disconnected.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.WSDropsTotal.Inc()
}
