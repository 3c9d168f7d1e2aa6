// Package metrics holds the instrumentation abstractions used by the event
// sourcing runtime and the unit-of-work orchestrator. Backends live in
// adapters (see adapters/prometheus).
package metrics

import "time"

// Timer measures one operation. Call ObserveDuration when it completes:
//
//	defer m.StoreWriteDuration("account").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// Observer receives durations in seconds.
type Observer interface {
	Observe(seconds float64)
}

type observerTimer struct {
	o     Observer
	start time.Time
}

func (t *observerTimer) ObserveDuration() { t.o.Observe(time.Since(t.start).Seconds()) }

// NewTimer starts a Timer that reports into o.
func NewTimer(o Observer) Timer { return &observerTimer{o: o, start: time.Now()} }
