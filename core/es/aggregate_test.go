package es

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esassert "github.com/codewandler/aggflow/core/es/assert"
)

type (
	ledger struct {
		BaseAggregate
		Total   int
		Entries []string
		Closed  bool
	}

	added struct {
		N     int
		Label string
	}
	closed struct{}
	remark struct{ Text string }
	orphan struct{}
)

func (e *added) Validate() error {
	if e.N == 0 {
		return errors.New("n is zero")
	}
	return nil
}

func (l *ledger) GetAggType() string { return "ledger" }

func (l *ledger) Register(r Registrar) {
	On(r, func(l *ledger, e *added) {
		l.Total += e.N
		l.Entries = append(l.Entries, e.Label)
	})
	On(r, func(l *ledger, _ *closed) { l.Closed = true })
	OnConflict(r, func(l *ledger, e *added) error {
		if l.Closed {
			return Discard("ledger closed")
		}
		return nil
	})
	OnConflict(r, func(l *ledger, _ *closed) error {
		if l.Closed {
			return errors.New("already closed")
		}
		return nil
	})
	RegisterEvents(r, Event[remark]())
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	reg := NewRegistry()
	l := &ledger{}
	reg.RegisterAggregate(l)
	l.SetID("l1")
	require.NoError(t, Attach(l, "test", reg, nil))
	return l
}

func add(n int, label string) func(*added) {
	return func(e *added) {
		e.N = n
		e.Label = label
	}
}

func TestApply(t *testing.T) {
	l := newLedger(t)
	require.Equal(t, "ledger-l1", l.StreamID())
	require.Equal(t, "test", l.Bucket())

	require.NoError(t, Apply(l, add(3, "a"), WithHeader("k", "v")))
	require.NoError(t, Apply(l, add(4, "b")))

	assert.Equal(t, 7, l.Total)
	assert.EqualValues(t, 0, l.Version())
	assert.EqualValues(t, 2, l.CommitVersion())

	pending := l.Stream().Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, EventTypeFor[added](), pending[0].Type)
	assert.Equal(t, "v", pending[0].Headers.Get("k"))
	assert.Empty(t, pending[1].Headers)
}

func TestApply_NoRouteStillStaged(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Apply(l, func(e *remark) { e.Text = "fyi" }))
	require.Len(t, l.Stream().Pending(), 1)
	assert.Zero(t, l.Total)
	assert.EqualValues(t, 1, l.CommitVersion())
}

func TestApply_Invalid(t *testing.T) {
	l := newLedger(t)
	require.ErrorContains(t, Apply(l, add(0, "zero")), "n is zero")
	require.Empty(t, l.Stream().Pending())
}

func TestApply_UnknownEvent(t *testing.T) {
	l := newLedger(t)
	require.ErrorIs(t, Apply[orphan](l, nil), ErrUnknownEventType)
}

func TestApply_Detached(t *testing.T) {
	l := &ledger{}
	require.ErrorIs(t, Apply(l, add(1, "a")), ErrAggregateDetached)
	require.ErrorIs(t, Hydrate(l, &added{N: 1}), ErrAggregateDetached)
	require.EqualValues(t, 0, l.Version())
}

func TestAttach_RequiresID(t *testing.T) {
	require.Error(t, Attach(&ledger{}, "b", NewRegistry(), nil))
}

func TestRaise(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Apply(l, add(1, "a")))
	require.NoError(t, Raise(l, func(e *remark) { e.Text = "published" }, WithHeader("topic", "x")))

	oob := l.Stream().OutOfBand()
	require.Len(t, oob, 1)
	assert.Equal(t, "published", oob[0].Event.(*remark).Text)
	assert.Equal(t, "x", oob[0].Headers.Get("topic"))

	assert.Len(t, l.Stream().Pending(), 1)
	assert.EqualValues(t, 0, l.Version())
	assert.EqualValues(t, 1, l.CommitVersion())
	assert.Equal(t, 1, l.Total)
}

func TestHydrate_MatchesApply(t *testing.T) {
	sequences := [][]int{
		{1},
		{1, 2, 3},
		{5, -2, 7, -1, 9, 4},
		{-3, -3, -3, 10},
	}
	for i, seq := range sequences {
		t.Run(fmt.Sprintf("seq-%d", i), func(t *testing.T) {
			applied := newLedger(t)
			for j, n := range seq {
				require.NoError(t, Apply(applied, add(n, fmt.Sprintf("e%d", j))))
			}
			if i%2 == 0 {
				require.NoError(t, Apply[closed](applied, nil))
			}
			require.NoError(t, Apply(applied, func(e *remark) { e.Text = "no route" }))

			history := make([]any, 0)
			for _, ev := range applied.Stream().Pending() {
				history = append(history, ev.Event)
			}

			hydrated := newLedger(t)
			require.NoError(t, Hydrate(hydrated, history...))

			assert.Equal(t, applied.Total, hydrated.Total)
			assert.Equal(t, applied.Entries, hydrated.Entries)
			assert.Equal(t, applied.Closed, hydrated.Closed)

			assert.Empty(t, hydrated.Stream().Pending())
			assert.EqualValues(t, len(history), hydrated.Version())
			assert.Equal(t, applied.CommitVersion(), hydrated.CommitVersion())
		})
	}
}

func TestConflict_Applies(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Conflict(l, &added{N: 2, Label: "late"}, Headers{"retry": "1"}))
	assert.Equal(t, 2, l.Total)
	pending := l.Stream().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].Headers.Get("retry"))
}

func TestConflict_Discard(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Apply(l, add(5, "a")))
	require.NoError(t, Apply[closed](l, nil))
	before := l.Stream().Pending()

	require.NoError(t, Conflict(l, &added{N: 1, Label: "late"}, nil))

	assert.Equal(t, before, l.Stream().Pending())
	assert.Equal(t, 5, l.Total)
	assert.Equal(t, []string{"a"}, l.Entries)
}

func TestConflict_NoRoute(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Apply(l, add(1, "a")))
	before := l.Stream().Pending()

	err := Conflict(l, &remark{Text: "conflicting"}, nil)
	require.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, before, l.Stream().Pending())

	// the same event on the normal path is staged
	require.NoError(t, ApplyEvent(l, &remark{Text: "normal"}, nil))
	assert.Len(t, l.Stream().Pending(), 2)
}

func TestConflict_RouteError(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, Apply[closed](l, nil))

	err := Conflict(l, &closed{}, nil)
	require.ErrorContains(t, err, "already closed")
	require.NotErrorIs(t, err, ErrDiscardEvent)
	assert.Len(t, l.Stream().Pending(), 1)
}

func TestChecked(t *testing.T) {
	l := newLedger(t)
	called := false
	err := l.Checked(esassert.False(true, "never"), func() error { called = true; return nil })
	require.Error(t, err)
	require.False(t, called)
}
