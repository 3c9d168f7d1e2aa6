package outbox

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/aggflow/core/pipeline"
)

// MemoryTransport records delivered messages.
type MemoryTransport struct {
	mu   sync.Mutex
	msgs []pipeline.Message
	fail func(pipeline.Message) error
}

func NewMemoryTransport() *MemoryTransport { return &MemoryTransport{} }

// FailWith makes Deliver return the result of fn before recording. A nil fn
// resets it.
func (t *MemoryTransport) FailWith(fn func(pipeline.Message) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fn
}

func (t *MemoryTransport) Deliver(_ context.Context, msg pipeline.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		if err := t.fail(msg); err != nil {
			return err
		}
	}
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *MemoryTransport) Messages() []pipeline.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]pipeline.Message(nil), t.msgs...)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg pipeline.Message) error
}

// DispatchTransport feeds delivered messages back into a dispatcher. The
// dispatch runs in the background: Deliver is called while the dispatcher
// still holds the channel of the causing message.
type DispatchTransport struct {
	d  Dispatcher
	mu sync.Mutex
	g  *errgroup.Group
}

func NewDispatchTransport(d Dispatcher) *DispatchTransport { return &DispatchTransport{d: d} }

func (t *DispatchTransport) Deliver(ctx context.Context, msg pipeline.Message) error {
	ctx = context.WithoutCancel(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.g == nil {
		t.g = &errgroup.Group{}
	}
	t.g.Go(func() error { return t.d.Dispatch(ctx, msg) })
	return nil
}

// Wait blocks until all dispatches started so far, and those they start in
// turn, returned. It returns the first error among them; a later Wait only
// reports dispatches started after this one.
func (t *DispatchTransport) Wait() error {
	var first error
	for {
		t.mu.Lock()
		g := t.g
		t.g = nil
		t.mu.Unlock()
		if g == nil {
			return first
		}
		if err := g.Wait(); err != nil && first == nil {
			first = err
		}
	}
}
