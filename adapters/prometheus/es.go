package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeReadDuration  *prometheus.HistogramVec
	storeWriteDuration *prometheus.HistogramVec
	eventsWritten      *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	conflictEvents       *prometheus.CounterVec

	// Snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeReadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_read_duration_seconds",
			Help:      "Event store read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"bucket"}),

		storeWriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_write_duration_seconds",
			Help:      "Event store write latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"bucket"}),

		eventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_events_written_total",
			Help:      "Total number of events written",
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_repo_load_duration_seconds",
			Help:      "Repository load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_repo_save_duration_seconds",
			Help:      "Repository save latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_concurrency_conflicts_total",
			Help:      "Total number of optimistic concurrency failures",
		}, []string{"aggregate_type"}),

		conflictEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_conflict_events_total",
			Help:      "Pending events replayed during conflict resolution, by outcome",
		}, []string{"aggregate_type", "outcome"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_snapshot_load_duration_seconds",
			Help:      "Snapshot load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_snapshot_save_duration_seconds",
			Help:      "Snapshot save latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),
	}

	reg.MustRegister(
		m.storeReadDuration,
		m.storeWriteDuration,
		m.eventsWritten,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.concurrencyConflicts,
		m.conflictEvents,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
	)

	return m
}

func (m *esMetrics) StoreReadDuration(bucket string) metrics.Timer {
	return newTimer(m.storeReadDuration.WithLabelValues(bucket))
}

func (m *esMetrics) StoreWriteDuration(bucket string) metrics.Timer {
	return newTimer(m.storeWriteDuration.WithLabelValues(bucket))
}

func (m *esMetrics) EventsWritten(aggType string, count int) {
	m.eventsWritten.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) ConflictResolved(aggType string, staged, discarded int) {
	m.conflictEvents.WithLabelValues(aggType, "staged").Add(float64(staged))
	m.conflictEvents.WithLabelValues(aggType, "discarded").Add(float64(discarded))
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

var _ es.ESMetrics = (*esMetrics)(nil)
