package es

import "github.com/codewandler/aggflow/core/metrics"

// ESMetrics defines the metrics of the event sourcing runtime. Implementations
// must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreReadDuration(bucket string) metrics.Timer
	StoreWriteDuration(bucket string) metrics.Timer
	EventsWritten(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)
	// ConflictResolved is reported after pending events were replayed on a
	// fresh instance; staged and discarded count the outcome per event.
	ConflictResolved(aggType string, staged, discarded int)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
}

type nopESMetrics struct{}

func (nopESMetrics) StoreReadDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopESMetrics) StoreWriteDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsWritten(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}
func (nopESMetrics) ConflictResolved(string, int, int)     {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToEnv(e *envOptions)      { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOpts) { r.metrics = o.m }
