package es

import (
	"context"
	"log/slog"
)

type (
	valueOption[T any]  struct{ v T }
	StoreOption         valueOption[EventStore]
	ContextOption       struct{ ctx context.Context }
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	LogOption struct {
		l *slog.Logger
	}
	AggregateOption struct {
		aggregates []Aggregate
	}
	RepoOptsOption struct {
		opts []RepositoryOption
	}
	MultiOption[T any] struct{ opts []T }
	EnvOpts            MultiOption[EnvOption]
)

func WithStore(s EventStore) StoreOption { return StoreOption{v: s} }
func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: EventTypeFor[T](), ctor: Event[T]()}
}
func WithCtx(ctx context.Context) ContextOption     { return ContextOption{ctx: ctx} }
func WithLog(l *slog.Logger) LogOption              { return LogOption{l: l} }
func WithAggregates(a ...Aggregate) AggregateOption { return AggregateOption{aggregates: a} }
func WithEnvOpts(opts ...EnvOption) EnvOpts         { return EnvOpts{opts: opts} }

// WithRepoOpts passes options to the repository built by the Env.
func WithRepoOpts(opts ...RepositoryOption) RepoOptsOption { return RepoOptsOption{opts: opts} }

func (o StoreOption) applyToEnv(e *envOptions) { e.store = o.v }
func (o EventRegisterOption) applyToEnv(e *envOptions) {
	e.events = append(e.events, o)
}
func (o ContextOption) applyToEnv(e *envOptions) {
	e.ctx = o.ctx
}
func (o LogOption) applyToEnv(e *envOptions) {
	e.log = o.l
}
func (o AggregateOption) applyToEnv(e *envOptions) {
	e.aggregates = append(e.aggregates, o.aggregates...)
}
func (o RepoOptsOption) applyToEnv(e *envOptions) {
	e.repoOpts = append(e.repoOpts, o.opts...)
}
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}
