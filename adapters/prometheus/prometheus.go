// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event sourcing runtime and the unit-of-work orchestrator.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/aggflow/core/metrics"
)

const namespace = "aggflow"

func newTimer(o prometheus.Observer) metrics.Timer { return metrics.NewTimer(o) }

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the Prometheus implementations of every metrics
// interface of the module.
type AllMetrics struct {
	ES  *esMetrics
	UoW *uowMetrics
}

// NewAllMetrics registers all metrics on reg.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:  NewESMetrics(reg).(*esMetrics),
		UoW: NewUoWMetrics(reg).(*uowMetrics),
	}
}
