package es

import (
	"context"
	"log/slog"
)

type (
	envOptions struct {
		ctx        context.Context
		log        *slog.Logger
		store      EventStore
		events     []EventRegisterOption
		aggregates []Aggregate
		repoOpts   []RepositoryOption
		metrics    ESMetrics
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:     context.Background(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	if options.store == nil {
		options.store = NewInMemoryStore()
	}
	return options
}
