// Package metrics provides the Prometheus metrics surface for the ingestion
// and analytics pipeline. Names are an external contract: dashboards and
// alerting depend on them unchanged.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector FlowLens registers.
type Metrics struct {
	FlowsReceivedTotal    *prometheus.CounterVec
	FlowsParsedTotal      prometheus.Counter
	FlowsParseErrorsTotal *prometheus.CounterVec
	FlowsDroppedTotal     *prometheus.CounterVec
	FlowsSampledTotal     prometheus.Counter

	IngestionQueueSize     prometheus.Gauge
	IngestionBatchSize     prometheus.Histogram
	IngestionLatencySecond prometheus.Histogram

	DependenciesCreatedTotal prometheus.Counter
	DependenciesUpdatedTotal prometheus.Counter
	AssetsDiscoveredTotal    *prometheus.CounterVec

	AggregationWindowDurationSeconds prometheus.Histogram
	GraphTraversalDurationSeconds    *prometheus.HistogramVec

	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	ChangeEventsTotal *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	AlertsSuppressedTotal *prometheus.CounterVec

	ClassificationsAppliedTotal *prometheus.CounterVec
	ClassificationConfidence    prometheus.Histogram
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against the given
// registerer, or unregistered if registerer is nil (used in tests).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_flows_received_total",
			Help: "Total number of flow datagrams received by the UDP collector.",
		}, []string{"protocol", "exporter"}),

		FlowsParsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowlens_flows_parsed_total",
			Help: "Total number of individual flow records successfully parsed.",
		}),

		FlowsParseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_flows_parse_errors_total",
			Help: "Total number of flow parse failures.",
		}, []string{"protocol", "error_type"}),

		FlowsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_flows_dropped_total",
			Help: "Total number of flow records dropped by the backpressure queue.",
		}, []string{"reason"}),

		FlowsSampledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowlens_flows_sampled_total",
			Help: "Total number of flow records subsampled while the queue was in the SAMPLING state.",
		}),

		IngestionQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowlens_ingestion_queue_size",
			Help: "Current number of items in the ingestion backpressure queue.",
		}),

		IngestionBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowlens_ingestion_batch_size",
			Help:    "Size of batches flushed to the raw flow store.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),

		IngestionLatencySecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowlens_ingestion_latency_seconds",
			Help:    "Time from batch read to successful store write.",
			Buckets: prometheus.DefBuckets,
		}),

		DependenciesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowlens_dependencies_created_total",
			Help: "Total number of new current dependency edges created.",
		}),

		DependenciesUpdatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowlens_dependencies_updated_total",
			Help: "Total number of existing current dependency edges updated.",
		}),

		AssetsDiscoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_assets_discovered_total",
			Help: "Total number of new assets created by the asset mapper.",
		}, []string{"asset_type"}),

		AggregationWindowDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowlens_aggregation_window_duration_seconds",
			Help:    "Wall-clock time spent aggregating one tumbling window.",
			Buckets: prometheus.DefBuckets,
		}),

		GraphTraversalDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowlens_graph_traversal_duration_seconds",
			Help:    "Time spent evaluating a graph analytics operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_cache_hits_total",
			Help: "Total number of TTL cache hits.",
		}, []string{"prefix"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_cache_misses_total",
			Help: "Total number of TTL cache misses.",
		}, []string{"prefix"}),

		ChangeEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_change_events_total",
			Help: "Total number of ChangeEvents emitted by the change detector.",
		}, []string{"event_type"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_alerts_total",
			Help: "Total number of Alerts raised by the alert engine.",
		}, []string{"severity"}),

		AlertsSuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_alerts_suppressed_total",
			Help: "Total number of matching events suppressed by cooldown or maintenance windows.",
		}, []string{"reason"}),

		ClassificationsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowlens_classifications_applied_total",
			Help: "Total number of asset classification decisions, by method and outcome.",
		}, []string{"method", "outcome"}),

		ClassificationConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowlens_classification_confidence",
			Help:    "Confidence score of applied classification decisions.",
			Buckets: []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.FlowsReceivedTotal, m.FlowsParsedTotal, m.FlowsParseErrorsTotal,
			m.FlowsDroppedTotal, m.FlowsSampledTotal,
			m.IngestionQueueSize, m.IngestionBatchSize, m.IngestionLatencySecond,
			m.DependenciesCreatedTotal, m.DependenciesUpdatedTotal, m.AssetsDiscoveredTotal,
			m.AggregationWindowDurationSeconds, m.GraphTraversalDurationSeconds,
			m.CacheHitsTotal, m.CacheMissesTotal,
			m.ChangeEventsTotal, m.AlertsTotal, m.AlertsSuppressedTotal,
			m.ClassificationsAppliedTotal, m.ClassificationConfidence,
		)
	}

	return m
}

// RecordFlowReceived records one received datagram.
func (m *Metrics) RecordFlowReceived(protocol, exporter string) {
	m.FlowsReceivedTotal.WithLabelValues(protocol, exporter).Inc()
}

// RecordParseError records one parse failure.
func (m *Metrics) RecordParseError(protocol, errorType string) {
	m.FlowsParseErrorsTotal.WithLabelValues(protocol, errorType).Inc()
}

// RecordDropped records one backpressure-induced drop.
func (m *Metrics) RecordDropped(reason string) {
	m.FlowsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordGraphTraversal records the duration of a graph analytics operation.
func (m *Metrics) RecordGraphTraversal(operation string, d time.Duration) {
	m.GraphTraversalDurationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordCacheHit/RecordCacheMiss record TTL cache outcomes by key prefix.
func (m *Metrics) RecordCacheHit(prefix string)  { m.CacheHitsTotal.WithLabelValues(prefix).Inc() }
func (m *Metrics) RecordCacheMiss(prefix string) { m.CacheMissesTotal.WithLabelValues(prefix).Inc() }

// RecordClassification records one classification decision's method and
// outcome ("applied", "skipped_locked", "not_ready"), and its confidence
// when applied.
func (m *Metrics) RecordClassification(method, outcome string, confidence float64) {
	m.ClassificationsAppliedTotal.WithLabelValues(method, outcome).Inc()
	if outcome == "applied" {
		m.ClassificationConfidence.Observe(confidence)
	}
}

var (
	globalMetrics *Metrics
	globalOnce    sync.Once
)

// Global returns the process-wide Metrics instance, creating it on first use.
func Global() *Metrics {
	globalOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}
