package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggflow/core/pipeline"
)

// journal records the calls of all units of a test.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type recUnit struct {
	name     string
	j        *journal
	s        *Session
	beginErr error
	endErr   error
}

func (u *recUnit) Begin(_ context.Context, s *Session) error {
	u.s = s
	var n int
	_, _ = s.Bag.Get("begins", &n)
	u.j.add("begin %s retries=%d begins=%d", u.name, s.Retries, n)
	if err := s.Bag.Set("begins", n+1); err != nil {
		return err
	}
	return u.beginErr
}

func (u *recUnit) End(_ context.Context, err error) error {
	if err != nil {
		u.j.add("end %s err=%v", u.name, err)
	} else {
		u.j.add("end %s", u.name)
	}
	return u.endErr
}

func kind(name string, terminal bool, j *journal, mod ...func(*recUnit)) Kind {
	return Kind{Name: name, Terminal: terminal, New: func() UnitOfWork {
		u := &recUnit{name: name, j: j}
		for _, m := range mod {
			m(u)
		}
		return u
	}}
}

func endFails(err error) func(*recUnit)   { return func(u *recUnit) { u.endErr = err } }
func beginFails(err error) func(*recUnit) { return func(u *recUnit) { u.beginErr = err } }

func newOrchestrator(t *testing.T, bags BagStore, kinds ...Kind) *Orchestrator {
	t.Helper()
	reg, err := NewRegistry(kinds...)
	require.NoError(t, err)
	return NewOrchestrator(reg, bags)
}

func send(t *testing.T, attempt int, opts ...pipeline.MessageOption) *pipeline.MsgCtx {
	t.Helper()
	m, err := pipeline.NewMessage("test", nil, append([]pipeline.MessageOption{pipeline.WithID("m-1")}, opts...)...)
	require.NoError(t, err)
	m.Attempt = attempt
	return pipeline.NewMsgCtx(t.Context(), nil, m)
}

func handler(j *journal, err error) pipeline.Handler {
	return pipeline.HandleFunc(func(mc *pipeline.MsgCtx) error {
		j.add("handle %s", mc.Type())
		return err
	})
}

func TestRegistry_Discover(t *testing.T) {
	j := &journal{}
	reg, err := NewRegistry(kind("a", false, j), kind("t1", true, j), kind("b", false, j), kind("t2", true, j))
	require.NoError(t, err)

	names := []string{}
	for _, k := range reg.Discover() {
		names = append(names, k.Name)
	}
	require.Equal(t, []string{"t1", "t2", "a", "b"}, names)

	require.ErrorIs(t, reg.Register(kind("a", true, j)), ErrDuplicateKind)
	require.Error(t, reg.Register(Kind{Name: "x"}))
}

func TestOrchestrator_StackDiscipline(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	o := newOrchestrator(t, bags, kind("A", false, j), kind("B", false, j), kind("T", true, j))

	require.NoError(t, o.Handle(send(t, 0), handler(j, nil)))
	require.Equal(t, []string{
		"begin T retries=0 begins=0",
		"begin A retries=0 begins=0",
		"begin B retries=0 begins=0",
		"handle test",
		"end B",
		"end A",
		"end T",
	}, j.get())

	left, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestOrchestrator_Passthrough(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("A", false, j))

	for _, intent := range []pipeline.Intent{pipeline.IntentPublish, pipeline.IntentReply} {
		require.NoError(t, o.Handle(send(t, 0, pipeline.WithIntent(intent)), handler(j, nil)))
	}
	require.Equal(t, []string{"handle test", "handle test"}, j.get())

	x := errors.New("x")
	require.Same(t, x, o.Handle(send(t, 0, pipeline.WithIntent(pipeline.IntentPublish)), handler(j, x)))
}

func TestOrchestrator_BagRoundTrip(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	o := newOrchestrator(t, bags, kind("A", false, j), kind("T", true, j))
	x := errors.New("x")

	// first attempt fails, bags are kept
	require.Same(t, x, o.Handle(send(t, 0), handler(j, x)))
	saved, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	for _, sb := range saved {
		require.NoError(t, bags.Save(t.Context(), "m-1", sb.Kind, sb.Bag))
	}

	// retry gets the saved bags and succeeds
	require.NoError(t, o.Handle(send(t, 1), handler(j, nil)))
	calls := j.get()
	assert.Contains(t, calls, "begin T retries=1 begins=1")
	assert.Contains(t, calls, "begin A retries=1 begins=1")

	left, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestOrchestrator_CompensationAggregation(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	x := errors.New("X")
	y := errors.New("Y")
	o := newOrchestrator(t, bags, kind("u1", false, j), kind("u2", false, j, endFails(y)), kind("u3", false, j))

	err := o.Handle(send(t, 0), handler(j, x))

	var ce *CompensationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, []error{x, y}, ce.Errors())
	require.ErrorIs(t, err, x)
	require.ErrorIs(t, err, y)

	require.Equal(t, []string{
		"begin u1 retries=0 begins=0",
		"begin u2 retries=0 begins=0",
		"begin u3 retries=0 begins=0",
		"handle test",
		"end u3 err=X",
		"end u2 err=X",
		"end u1 err=X",
	}, j.get())

	saved, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Len(t, saved, 3)
	for _, sb := range saved {
		assert.True(t, sb.Bag.Has("begins"), sb.Kind)
	}
}

// saveFails is a BagStore whose Save fails for one kind.
type saveFails struct {
	*KVBagStore
	kind string
	err  error
}

func (s *saveFails) Save(ctx context.Context, msgID, kind string, bag Bag) error {
	if kind == s.kind {
		return s.err
	}
	return s.KVBagStore.Save(ctx, msgID, kind, bag)
}

func TestOrchestrator_BagSaveFailureKeepsCause(t *testing.T) {
	j := &journal{}
	x := errors.New("X")
	saveErr := errors.New("bag store down")
	bags := &saveFails{KVBagStore: NewMemBagStore(), kind: "u2", err: saveErr}
	o := newOrchestrator(t, bags, kind("u1", false, j), kind("u2", false, j), kind("u3", false, j))

	err := o.Handle(send(t, 0), handler(j, x))

	var ce *CompensationError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, x)
	require.ErrorIs(t, err, saveErr)
	errs := ce.Errors()
	require.Len(t, errs, 2)
	require.Same(t, x, errs[0])
	require.ErrorIs(t, errs[1], saveErr)

	// every unit still ends with the cause
	require.Equal(t, []string{
		"begin u1 retries=0 begins=0",
		"begin u2 retries=0 begins=0",
		"begin u3 retries=0 begins=0",
		"handle test",
		"end u3 err=X",
		"end u2 err=X",
		"end u1 err=X",
	}, j.get())

	saved, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	kinds := []string{}
	for _, sb := range saved {
		kinds = append(kinds, sb.Kind)
		assert.True(t, sb.Bag.Has("begins"), sb.Kind)
	}
	require.Equal(t, []string{"u1", "u3"}, kinds)
}

func TestOrchestrator_CancelledContextClearsBags(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	o := newOrchestrator(t, bags, kind("A", false, j), kind("T", true, j))
	require.NoError(t, bags.Save(t.Context(), "m-1", "A", Bag{"begins": []byte("1")}))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	m, err := pipeline.NewMessage("test", nil, pipeline.WithID("m-1"))
	require.NoError(t, err)
	m.Attempt = 1

	err = o.Handle(pipeline.NewMsgCtx(ctx, nil, m), pipeline.HandleFunc(func(mc *pipeline.MsgCtx) error {
		cancel()
		return nil
	}))
	require.NoError(t, err)
	assert.Contains(t, j.get(), "begin A retries=1 begins=1")

	left, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestOrchestrator_FailureWithoutCompensationErrors(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("u1", false, j), kind("u2", true, j))
	x := errors.New("X")
	require.Same(t, x, o.Handle(send(t, 0), handler(j, x)))
}

func TestOrchestrator_BeginFailure(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	x := errors.New("begin")
	o := newOrchestrator(t, bags,
		kind("T", true, j),
		kind("A", false, j, beginFails(x)),
		kind("B", false, j),
	)

	// B has a bag from an earlier attempt that must survive
	require.NoError(t, bags.Save(t.Context(), "m-1", "B", Bag{"k": []byte(`"v"`)}))

	require.Same(t, x, o.Handle(send(t, 0), handler(j, nil)))
	require.Equal(t, []string{
		"begin T retries=0 begins=0",
		"begin A retries=0 begins=0",
		"end T err=begin",
	}, j.get())

	saved, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	got := map[string]Bag{}
	for _, sb := range saved {
		got[sb.Kind] = sb.Bag
	}
	require.Len(t, got, 3)
	require.True(t, got["A"].Has("begins"))
	var v string
	ok, err := got["B"].Get("k", &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestOrchestrator_EndFailureOnSuccessPath(t *testing.T) {
	j := &journal{}
	bags := NewMemBagStore()
	y := errors.New("Y")
	o := newOrchestrator(t, bags, kind("T", true, j), kind("A", false, j), kind("B", false, j, endFails(y)))

	err := o.Handle(send(t, 0), handler(j, nil))
	require.Same(t, y, err)
	require.Equal(t, []string{
		"begin T retries=0 begins=0",
		"begin A retries=0 begins=0",
		"begin B retries=0 begins=0",
		"handle test",
		"end B",
		"end A err=Y",
		"end T err=Y",
	}, j.get())

	saved, err := bags.Remove(t.Context(), "m-1")
	require.NoError(t, err)
	require.Len(t, saved, 3)
}

func TestOrchestrator_BulkReplay(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("A", false, j), kind("T", true, j))

	var delayed []pipeline.DelayedMessage
	for i := 1; i <= 3; i++ {
		m, err := pipeline.NewMessage(fmt.Sprintf("D%d", i), nil, pipeline.WithHeader(pipeline.HeaderCorrelationID, fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
		delayed = append(delayed, m.Defer())
	}

	mc := send(t, 0, pipeline.WithDelayed(delayed...))
	var seen []string
	next := pipeline.HandleFunc(func(mc *pipeline.MsgCtx) error {
		seen = append(seen, mc.Type()+"/"+mc.CorrelationID())
		j.add("handle %s", mc.Type())
		return nil
	})

	require.NoError(t, o.Handle(mc, next))
	require.Equal(t, []string{"D1/c1", "D2/c2", "D3/c3"}, seen)
	require.Equal(t, []string{
		"begin T retries=0 begins=0",
		"begin A retries=0 begins=0",
		"handle D1",
		"handle D2",
		"handle D3",
		"end A",
		"end T",
	}, j.get())
	// the outer message is active again
	require.Equal(t, "test", mc.Type())
}

func TestOrchestrator_BulkReplayStopsOnError(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("A", false, j))
	x := errors.New("x")

	var delayed []pipeline.DelayedMessage
	for i := 1; i <= 3; i++ {
		m, err := pipeline.NewMessage(fmt.Sprintf("D%d", i), nil)
		require.NoError(t, err)
		delayed = append(delayed, m.Defer())
	}
	count := 0
	err := o.Handle(send(t, 0, pipeline.WithDelayed(delayed...)), pipeline.HandleFunc(func(mc *pipeline.MsgCtx) error {
		count++
		if mc.Type() == "D2" {
			return x
		}
		return nil
	}))
	require.Same(t, x, err)
	require.Equal(t, 2, count)
}

func TestLookup(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("A", false, j))

	require.NoError(t, o.Handle(send(t, 0), pipeline.HandleFunc(func(mc *pipeline.MsgCtx) error {
		u, err := Lookup[*recUnit](mc, "A")
		require.NoError(t, err)
		require.Equal(t, "A", u.name)
		require.Equal(t, "m-1", u.s.MessageID)

		_, err = Lookup[*recUnit](mc, "missing")
		require.ErrorIs(t, err, ErrUnitNotActive)
		return nil
	})))

	_, err := Lookup[*recUnit](send(t, 0), "A")
	require.ErrorIs(t, err, ErrUnitNotActive)
}

func TestOrchestrator_Middleware(t *testing.T) {
	j := &journal{}
	o := newOrchestrator(t, NewMemBagStore(), kind("A", false, j))
	h := pipeline.Chain(handler(j, nil), o.Middleware())
	require.NoError(t, h.Handle(send(t, 0)))
	require.Equal(t, []string{"begin A retries=0 begins=0", "handle test", "end A"}, j.get())
}
