package prometheus

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
)

func metricNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	require.NotNil(t, m)

	m.StoreReadDuration("default").ObserveDuration()
	m.StoreWriteDuration("default").ObserveDuration()
	m.EventsWritten("account", 5)
	m.RepoLoadDuration("account").ObserveDuration()
	m.RepoSaveDuration("account").ObserveDuration()
	m.ConcurrencyConflict("account")
	m.ConflictResolved("account", 2, 1)
	m.SnapshotLoadDuration("account").ObserveDuration()
	m.SnapshotSaveDuration("account").ObserveDuration()

	names := metricNames(t, reg)
	assert.True(t, names["aggflow_es_store_read_duration_seconds"])
	assert.True(t, names["aggflow_es_repo_load_duration_seconds"])
	assert.True(t, names["aggflow_es_conflict_events_total"])

	em := m.(*esMetrics)
	assert.Equal(t, 5.0, testutil.ToFloat64(em.eventsWritten.WithLabelValues("account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.conflictEvents.WithLabelValues("account", "discarded")))
}

func TestNewUoWMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewUoWMetrics(reg)

	k := uow.Kind{Name: "fails", New: func() uow.UnitOfWork { return failingEnd{} }}
	r, err := uow.NewRegistry(k)
	require.NoError(t, err)
	o := uow.NewOrchestrator(r, uow.NewMemBagStore(), uow.WithMetrics(m))

	msg, err := pipeline.NewMessage("test", nil)
	require.NoError(t, err)
	ok := pipeline.HandleFunc(func(*pipeline.MsgCtx) error { return nil })
	require.Error(t, o.Handle(pipeline.NewMsgCtx(t.Context(), nil, msg), ok))

	msg.Intent = pipeline.IntentPublish
	require.NoError(t, o.Handle(pipeline.NewMsgCtx(t.Context(), nil, msg), ok))

	um := m.(*uowMetrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(um.cycles.WithLabelValues(uow.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(um.cycles.WithLabelValues(uow.OutcomePassthrough)))
	assert.Equal(t, 1.0, testutil.ToFloat64(um.endFailures.WithLabelValues("fails")))
	assert.True(t, metricNames(t, reg)["aggflow_uow_cycle_duration_seconds"])
}

type failingEnd struct{}

func (failingEnd) Begin(context.Context, *uow.Session) error { return nil }
func (failingEnd) End(context.Context, error) error          { return errors.New("end failed") }

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)
	require.NotNil(t, m.ES)
	require.NotNil(t, m.UoW)

	m.ES.ConcurrencyConflict("account")
	m.UoW.CycleOutcome(uow.OutcomeCleared)

	names := metricNames(t, reg)
	assert.True(t, names["aggflow_es_concurrency_conflicts_total"])
	assert.True(t, names["aggflow_uow_cycles_total"])
}
