package domain

import (
	"fmt"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/es/assert"
	"github.com/codewandler/aggflow/internal/codec"
)

const MaxCount = 24

type (
	TestAgg struct {
		es.BaseAggregate

		Counter        uint16 `json:"counter"`
		NumIncrements  int    `json:"num_increments"`
		NumResets      int    `json:"num_resets"`
		NumTotalEvents int    `json:"num_total_events"`
	}

	Incremented struct {
		Inc uint8 `json:"inc"`
	}

	Reset struct{}

	// LimitReached is raised out of band when the counter hits MaxCount.
	LimitReached struct {
		Counter uint16 `json:"counter"`
	}

	// Noted has no route.
	Noted struct {
		Text string `json:"text"`
	}
)

func (a *TestAgg) Snapshot() (data []byte, err error) { return codec.Marshal(a) }
func (a *TestAgg) RestoreSnapshot(data []byte) error  { return codec.Unmarshal(data, a) }
func (a *TestAgg) GetAggType() string                 { return "test_agg" }

func (a *TestAgg) Register(r es.Registrar) {
	es.On(r, func(a *TestAgg, e *Incremented) {
		a.NumTotalEvents++
		a.Counter += uint16(e.Inc)
		a.NumIncrements++
	})
	es.On(r, func(a *TestAgg, _ *Reset) {
		a.NumTotalEvents++
		a.Counter = 0
		a.NumResets++
	})
	es.OnConflict(r, func(a *TestAgg, e *Incremented) error {
		if a.Counter+uint16(e.Inc) > MaxCount {
			return es.Discard(fmt.Sprintf("counter %d cannot take %d", a.Counter, e.Inc))
		}
		return nil
	})
	es.RegisterEvents(r, es.Event[LimitReached](), es.Event[Noted]())
}

var _ es.Snapshottable = &TestAgg{}

// === Commands ===

func (a *TestAgg) Reset() error { return es.Apply[Reset](a, nil) }
func (a *TestAgg) Inc() error   { return a.IncBy(1) }
func (a *TestAgg) IncBy(v uint8) error {
	return a.Checked(
		assert.True(a.Counter+uint16(v) <= MaxCount, "counter cannot exceed 24"),
		func() error {
			if err := es.Apply(a, func(e *Incremented) { e.Inc = v }); err != nil {
				return err
			}
			if a.Counter == MaxCount {
				return es.Raise(a, func(e *LimitReached) { e.Counter = a.Counter })
			}
			return nil
		},
	)
}
func (a *TestAgg) Note(text string) error {
	return es.Apply(a, func(e *Noted) { e.Text = text }, es.WithHeader("kind", "note"))
}

// === Read ===

func (a *TestAgg) Count() int {
	return int(a.Counter)
}
