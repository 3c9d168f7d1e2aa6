package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/aggflow/core/metrics"
	"github.com/codewandler/aggflow/core/uow"
)

type uowMetrics struct {
	cycleDuration prometheus.Histogram
	cycles        *prometheus.CounterVec
	endFailures   *prometheus.CounterVec
}

// NewUoWMetrics creates a Prometheus implementation of uow.Metrics.
func NewUoWMetrics(reg prometheus.Registerer) uow.Metrics {
	m := &uowMetrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "uow_cycle_duration_seconds",
			Help:      "Duration of unit of work cycles in seconds",
			Buckets:   defaultBuckets,
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_cycles_total",
			Help:      "Total number of handled messages by cycle outcome",
		}, []string{"outcome"}),
		endFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_end_failures_total",
			Help:      "Total number of failed End calls by unit kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.cycleDuration, m.cycles, m.endFailures)
	return m
}

func (m *uowMetrics) CycleDuration() metrics.Timer { return newTimer(m.cycleDuration) }

func (m *uowMetrics) CycleOutcome(outcome string) { m.cycles.WithLabelValues(outcome).Inc() }

func (m *uowMetrics) UnitEndFailed(kind string) { m.endFailures.WithLabelValues(kind).Inc() }

var _ uow.Metrics = (*uowMetrics)(nil)
