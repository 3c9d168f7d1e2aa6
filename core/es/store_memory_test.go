package es

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envs(types ...string) []Envelope {
	out := make([]Envelope, 0, len(types))
	for _, t := range types {
		out = append(out, Envelope{Type: t, Data: []byte("{}")})
	}
	return out
}

func versions(envs []Envelope) []Version {
	out := make([]Version, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Version)
	}
	return out
}

func TestInMemoryStore_WriteAndRead(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	v, err := s.WriteEvents(ctx, "b", "s", envs("a", "b", "c"), Headers{"m": "1"}, ExactVersion(0))
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	v, err = s.WriteEvents(ctx, "b", "s", envs("d", "e"), nil, ExactVersion(3))
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	all, err := s.GetEvents(ctx, "b", "s")
	require.NoError(t, err)
	require.Equal(t, []Version{1, 2, 3, 4, 5}, versions(all))
	assert.Equal(t, "1", all[0].Commit.Get("m"))
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].OccurredAt.IsZero())
	assert.Equal(t, "s", all[0].StreamID)

	fwd, err := s.GetEvents(ctx, "b", "s", WithStart(2), WithCount(2))
	require.NoError(t, err)
	require.Equal(t, []Version{2, 3}, versions(fwd))

	back, err := s.GetEventsBackwards(ctx, "b", "s", WithCount(2))
	require.NoError(t, err)
	require.Equal(t, []Version{5, 4}, versions(back))

	back, err = s.GetEventsBackwards(ctx, "b", "s", WithStart(3))
	require.NoError(t, err)
	require.Equal(t, []Version{3, 2, 1}, versions(back))

	// buckets are separate
	none, err := s.GetEvents(ctx, "other", "s")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestInMemoryStore_OptimisticConcurrency(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	_, err := s.WriteEvents(ctx, "b", "s", envs("a"), nil, ExactVersion(0))
	require.NoError(t, err)

	_, err = s.WriteEvents(ctx, "b", "s", envs("b", "c"), nil, ExactVersion(0))
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	all, _ := s.GetEvents(ctx, "b", "s")
	require.Len(t, all, 1)

	v, err := s.WriteEvents(ctx, "b", "s", envs("b"), nil, AnyVersion())
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	_, err = s.WriteEvents(ctx, "b", "s", nil, nil, AnyVersion())
	require.ErrorIs(t, err, ErrStoreNoEvents)
}

func TestInMemoryStore_Frozen(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{Frozen: ptr(true), Owner: ptr("ops")}))
	frozen, err := s.IsFrozen(ctx, "b", "s")
	require.NoError(t, err)
	require.True(t, frozen)

	_, err = s.WriteEvents(ctx, "b", "s", envs("a"), nil, AnyVersion())
	require.ErrorIs(t, err, ErrStreamFrozen)

	require.ErrorIs(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{MaxCount: ptr(1)}), ErrStreamFrozen)
	require.ErrorIs(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{Owner: ptr("eve"), Frozen: ptr(false)}), ErrStreamFrozen)

	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{MaxCount: ptr(1)}, WithForce()))
	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{Owner: ptr("ops"), Frozen: ptr(false)}))

	_, err = s.WriteEvents(ctx, "b", "s", envs("a"), nil, AnyVersion())
	require.NoError(t, err)

	mc, err := s.GetMetadata(ctx, "b", "s", MetaMaxCount)
	require.NoError(t, err)
	require.Equal(t, "1", mc)
}

func TestInMemoryStore_Retention(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	batch := envs("a", "b", "c", "d", "e")
	for i := range batch {
		batch[i].OccurredAt = now.Add(-time.Duration(5-i) * time.Hour)
	}
	_, err := s.WriteEvents(ctx, "b", "s", batch, nil, AnyVersion())
	require.NoError(t, err)

	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{MaxCount: ptr(4)}))
	got, _ := s.GetEvents(ctx, "b", "s")
	require.Equal(t, []Version{2, 3, 4, 5}, versions(got))

	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{TruncateBefore: ptr(Version(3))}))
	got, _ = s.GetEvents(ctx, "b", "s")
	require.Equal(t, []Version{3, 4, 5}, versions(got))

	require.NoError(t, s.WriteMetadata(ctx, "b", "s", StreamMetadata{MaxAge: ptr(150 * time.Minute)}))
	got, _ = s.GetEvents(ctx, "b", "s")
	require.Equal(t, []Version{4, 5}, versions(got))

	// writes continue at the real stream version
	v, err := s.WriteEvents(ctx, "b", "s", envs("f"), nil, ExactVersion(5))
	require.NoError(t, err)
	require.EqualValues(t, 6, v)
}

func TestInMemoryStore_Snapshot(t *testing.T) {
	ctx := t.Context()
	s := NewInMemoryStore()

	for i := 0; i < 2; i++ {
		_, err := s.WriteSnapshot(ctx, "b", "s", Envelope{Type: SnapshotEventType, Data: []byte("{}")}, nil)
		require.NoError(t, err)
	}
	snap, ok, err := LoadSnapshot(ctx, s, "b", "s")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, snap.Version)

	primary, _ := s.GetEvents(ctx, "b", "s")
	require.Empty(t, primary)

	_, ok, err = LoadSnapshot(ctx, s, "b", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
