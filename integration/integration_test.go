package integration

import (
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggflow/adapters/nats"
	"github.com/codewandler/aggflow/core/app"
	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
	"github.com/codewandler/aggflow/internal/bank"
)

// balances is a projection fed by the balance notifications.
type balances struct {
	mu           sync.Mutex
	byAccount    map[string]int64
	correlations map[string]string
}

func (b *balances) register(mux *pipeline.Mux, _ es.Repository) {
	pipeline.On(mux, bank.MsgBalanceChanged, func(mc *pipeline.MsgCtx, n *bank.BalanceChanged) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byAccount[n.AccountID] = n.Balance
		b.correlations[n.AccountID] = mc.CorrelationID()
		return nil
	})
	pipeline.On(mux, bank.MsgAccountOpened, func(*pipeline.MsgCtx, *bank.OpenAccount) error { return nil })
	pipeline.On(mux, bank.MsgTransferred, func(*pipeline.MsgCtx, *bank.Transfer) error { return nil })
}

func (b *balances) get(id string) (int64, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byAccount[id], b.correlations[id]
}

func bankHandlers(mux *pipeline.Mux, repo es.Repository) { bank.NewHandlers(repo).Register(mux) }

func TestIntegration_Loopback(t *testing.T) {
	proj := &balances{byAccount: map[string]int64{}, correlations: map[string]string{}}
	a, err := app.New(app.Config{
		Context:    t.Context(),
		Aggregates: []es.Aggregate{new(bank.Account)},
	}, bankHandlers, proj.register)
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	ctx := t.Context()
	require.NoError(t, a.Send(ctx, bank.MsgOpen, bank.OpenAccount{AccountID: "a1", Owner: "Alice"}))
	require.NoError(t, a.Send(ctx, bank.MsgOpen, bank.OpenAccount{AccountID: "a2", Owner: "Bob"}))
	require.NoError(t, a.Send(ctx, bank.MsgDeposit, bank.Deposit{AccountID: "a1", Amount: 100}))
	require.NoError(t, a.Wait())

	require.NoError(t, a.Send(ctx, bank.MsgTransfer, bank.Transfer{From: "a1", To: "a2", Amount: 30},
		pipeline.WithID("transfer-1"),
	))
	require.NoError(t, a.Wait())

	b1, corr := proj.get("a1")
	require.EqualValues(t, 70, b1)
	require.Equal(t, "transfer-1", corr)
	b2, _ := proj.get("a2")
	require.EqualValues(t, 30, b2)

	// a failed command leaves neither state nor notifications behind
	err = a.Send(ctx, bank.MsgTransfer, bank.Transfer{From: "a1", To: "a2", Amount: 1000})
	require.ErrorIs(t, err, bank.ErrInsufficientFunds)
	require.NoError(t, a.Wait())
	b1, _ = proj.get("a1")
	require.EqualValues(t, 70, b1)
}

func TestIntegration_NATS(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a container runtime")
	}
	connect := nats.NewTestContainer(t)

	store, err := nats.NewEventStore(nats.EventStoreConfig{
		Connect: connect,
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	kvs, err := nats.NewKvStore(nats.KvConfig{
		Connect: connect,
		Bucket:  "bags",
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(kvs.Close)

	out, err := nats.NewOutboxTransport(nats.OutboxConfig{
		Connect:    connect,
		StreamName: "outbox",
	})
	require.NoError(t, err)
	t.Cleanup(out.Close)

	newApp := func() *app.App {
		a, err := app.New(app.Config{
			Context:    t.Context(),
			Store:      store,
			Bags:       uow.NewKVBagStore(kvs),
			Transport:  out,
			Aggregates: []es.Aggregate{new(bank.Account)},
		}, bankHandlers)
		require.NoError(t, err)
		t.Cleanup(a.Stop)
		return a
	}

	a := newApp()
	ctx := t.Context()
	require.NoError(t, a.Send(ctx, bank.MsgOpen, bank.OpenAccount{AccountID: "a1", Owner: "Alice"}))
	require.NoError(t, a.Send(ctx, bank.MsgOpen, bank.OpenAccount{AccountID: "a2", Owner: "Bob"}))
	require.NoError(t, a.Send(ctx, bank.MsgDeposit, bank.Deposit{AccountID: "a1", Amount: 100}))
	require.NoError(t, a.Send(ctx, bank.MsgTransfer, bank.Transfer{From: "a1", To: "a2", Amount: 40}))

	// a second process sees the same accounts
	other := es.NewTypedRepositoryFrom[*bank.Account](newApp().Env().Repository())
	a1, err := other.GetByID(ctx, "a1")
	require.NoError(t, err)
	require.EqualValues(t, 60, a1.Balance)
	a2, err := other.GetByID(ctx, "a2")
	require.NoError(t, err)
	require.EqualValues(t, 40, a2.Balance)
}
