package uow

import (
	"github.com/codewandler/aggflow/core/metrics"
)

// Cycle outcomes.
const (
	OutcomePassthrough = "passthrough"
	OutcomeCleared     = "cleared"
	OutcomeFailed      = "failed"
)

// Metrics of the orchestrator.
type Metrics interface {
	CycleDuration() metrics.Timer
	CycleOutcome(outcome string)
	UnitEndFailed(kind string)
}

type nopMetrics struct{}

func (nopMetrics) CycleDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CycleOutcome(string)          {}
func (nopMetrics) UnitEndFailed(string)         {}

func NopMetrics() Metrics { return nopMetrics{} }
