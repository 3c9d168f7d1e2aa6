package nats

import (
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/es/estests/domain"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := NewEventStore(EventStoreConfig{
		Connect:       NewTestContainer(t),
		SubjectPrefix: "test.es",
		Storage:       jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func envs(types ...string) []es.Envelope {
	out := make([]es.Envelope, 0, len(types))
	for _, typ := range types {
		out = append(out, es.Envelope{Type: typ, Data: []byte(`{}`)})
	}
	return out
}

func TestEventStore(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	const bucket = "default"

	t.Run("subject tokens", func(t *testing.T) {
		require.Equal(t, "test.es.ZGVmYXVsdA.YS5i", store.subject(bucket, "a.b"))
	})

	t.Run("write and read", func(t *testing.T) {
		v, err := store.WriteEvents(ctx, bucket, "s-1", envs("a", "b", "c"), es.Headers{"k": "v"}, es.ExactVersion(0))
		require.NoError(t, err)
		require.EqualValues(t, 3, v)

		v, err = store.WriteEvents(ctx, bucket, "s-1", envs("d"), nil, es.ExactVersion(3))
		require.NoError(t, err)
		require.EqualValues(t, 4, v)

		got, err := store.GetEvents(ctx, bucket, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 4)
		for i, e := range got {
			require.EqualValues(t, i+1, e.Version)
			require.Equal(t, "s-1", e.StreamID)
			require.NotEmpty(t, e.ID)
		}
		require.Equal(t, "v", got[0].Commit["k"])

		got, err = store.GetEvents(ctx, bucket, "s-1", es.WithStart(2), es.WithCount(2))
		require.NoError(t, err)
		require.Equal(t, []string{"b", "c"}, []string{got[0].Type, got[1].Type})

		got, err = store.GetEventsBackwards(ctx, bucket, "s-1", es.WithCount(1))
		require.NoError(t, err)
		require.Equal(t, "d", got[0].Type)
	})

	t.Run("streams are isolated", func(t *testing.T) {
		got, err := store.GetEvents(ctx, "other", "s-1")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("concurrency conflict", func(t *testing.T) {
		_, err := store.WriteEvents(ctx, bucket, "s-1", envs("x"), nil, es.ExactVersion(2))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		got, err := store.GetEvents(ctx, bucket, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 4)
	})

	t.Run("concurrent any version writes", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.WriteEvents(ctx, bucket, "s-any", envs("x"), nil, es.AnyVersion())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetEvents(ctx, bucket, "s-any")
		require.NoError(t, err)
		require.Len(t, got, 4)
		require.EqualValues(t, 4, got[3].Version)
	})

	t.Run("metadata and retention", func(t *testing.T) {
		require.NoError(t, store.WriteMetadata(ctx, bucket, "s-1", es.StreamMetadata{MaxCount: ptr(2)}))
		got, err := store.GetEvents(ctx, bucket, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.EqualValues(t, 3, got[0].Version)

		v, err := store.GetMetadata(ctx, bucket, "s-1", es.MetaMaxCount)
		require.NoError(t, err)
		require.Equal(t, "2", v)
	})

	t.Run("frozen", func(t *testing.T) {
		require.NoError(t, store.WriteMetadata(ctx, bucket, "s-f", es.StreamMetadata{Frozen: ptr(true), Owner: ptr("alice")}))
		frozen, err := store.IsFrozen(ctx, bucket, "s-f")
		require.NoError(t, err)
		require.True(t, frozen)

		_, err = store.WriteEvents(ctx, bucket, "s-f", envs("x"), nil, es.AnyVersion())
		require.ErrorIs(t, err, es.ErrStreamFrozen)

		err = store.WriteMetadata(ctx, bucket, "s-f", es.StreamMetadata{Frozen: ptr(false), Owner: ptr("bob")})
		require.ErrorIs(t, err, es.ErrStreamFrozen)
		require.NoError(t, store.WriteMetadata(ctx, bucket, "s-f", es.StreamMetadata{Frozen: ptr(false)}, es.WithForce()))
	})
}

func TestEventStore_Repository(t *testing.T) {
	store := newTestStore(t)
	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(domain.TestAgg)))
	repo := es.NewTypedRepositoryFrom[*domain.TestAgg](te.Repository())

	a, err := repo.NewWithID("n1")
	require.NoError(t, err)
	require.NoError(t, a.IncBy(20))
	require.NoError(t, repo.Save(t.Context(), a))

	// a second writer on a stale copy merges through the conflict route
	stale, err := repo.GetByID(t.Context(), "n1")
	require.NoError(t, err)
	require.NoError(t, a.Inc())
	require.NoError(t, repo.Save(t.Context(), a))
	require.NoError(t, stale.IncBy(2))
	require.NoError(t, repo.Save(t.Context(), stale))

	loaded, err := repo.GetByID(t.Context(), "n1")
	require.NoError(t, err)
	require.EqualValues(t, 23, loaded.Count())
	require.EqualValues(t, 3, loaded.Version())
}

func ptr[T any](v T) *T { return &v }
