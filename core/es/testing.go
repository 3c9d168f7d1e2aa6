package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// StartTestEnv starts an Env backed by an in-memory store unless another
// store is given. It is shut down with the test.
func StartTestEnv(
	t *testing.T,
	opts ...EnvOption,
) *TestingEnv {
	e := NewEnv(
		WithStore(NewInMemoryStore()),
		WithCtx(t.Context()),
		WithEnvOpts(opts...),
	)
	t.Cleanup(e.Shutdown)
	return &TestingEnv{
		t:   t,
		Env: e,
	}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (t *TestingEnvAssert) Append(
	ctx context.Context,
	expect ExpectedVersion,
	aggType string,
	aggID string,
	events ...any,
) Version {
	v, err := t.env.Append(ctx, expect, aggType, aggID, events...)
	require.NoError(t.env.t, err)
	return v
}

// Events returns the decoded events persisted for an aggregate.
func (t *TestingEnvAssert) Events(ctx context.Context, aggType, aggID string) []any {
	envs, err := t.env.store.GetEvents(ctx, t.env.bucket(), StreamIDFor(aggType, aggID))
	require.NoError(t.env.t, err)
	out := make([]any, 0, len(envs))
	for _, e := range envs {
		ev, err := t.env.registry.Decode(e)
		require.NoError(t.env.t, err)
		out = append(out, ev)
	}
	return out
}
