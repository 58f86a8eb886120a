package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for graph execution.
//
// Metrics exposed (all namespaced with "medgraph_graph_"):
//
//  1. inflight_nodes (gauge): nodes executing right now, across all runs.
//  2. step_latency_ms (histogram): node execution duration.
//     Labels: node_id, status (success/error).
//  3. retries_total (counter): node retry attempts. Labels: node_id, reason.
//  4. interrupts_total (counter): runs suspended for input. Labels: node_id.
//  5. runs_total (counter): Run/Resume outcomes. Labels: status.
//
// Run IDs are deliberately not used as labels; every diagnostic session is a
// run and per-run labels would grow without bound.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(reducer, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	interrupts    *prometheus.CounterVec
	runs          *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all graph execution metrics
// with the provided registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "medgraph",
		Subsystem: "graph",
		Name:      "inflight_nodes",
		Help:      "Current number of nodes executing across all runs",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "medgraph",
		Subsystem: "graph",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds, including retries",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medgraph",
		Subsystem: "graph",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"node_id", "reason"})

	pm.interrupts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medgraph",
		Subsystem: "graph",
		Name:      "interrupts_total",
		Help:      "Runs suspended at an interrupt point awaiting input",
	}, []string{"node_id"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medgraph",
		Subsystem: "graph",
		Name:      "runs_total",
		Help:      "Run and Resume calls by outcome status",
	}, []string{"status"})

	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records the execution duration of a node.
// status is "success" or "error".
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for a node.
func (pm *PrometheusMetrics) IncrementRetries(nodeID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(nodeID, reason).Inc()
}

// RecordInterrupt counts a run suspended by nodeID.
func (pm *PrometheusMetrics) RecordInterrupt(nodeID string) {
	if !pm.isEnabled() {
		return
	}
	pm.interrupts.WithLabelValues(nodeID).Inc()
}

// RecordRunOutcome counts a Run or Resume call ending in status.
func (pm *PrometheusMetrics) RecordRunOutcome(status string) {
	if !pm.isEnabled() {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}

// UpdateInflightNodes adjusts the inflight gauge by delta.
func (pm *PrometheusMetrics) UpdateInflightNodes(delta int) {
	if !pm.isEnabled() {
		return
	}
	pm.inflightNodes.Add(float64(delta))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
