package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/aggflow/internal/codec"
)

// Env bundles the registry, store and repository of one application.
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	registry     *Registry
	repo         Repository
	repoOpts     []RepositoryOption
}

func (e *Env) Repository() Repository { return e.repo }
func (e *Env) Store() EventStore      { return e.store }
func (e *Env) Registry() *Registry    { return e.registry }
func (e *Env) Log() *slog.Logger      { return e.log }
func (e *Env) Done() <-chan struct{}  { return e.done }

func NewEnv(opts ...EnvOption) *Env {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	// log
	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	e := &Env{
		id:       id,
		log:      log,
		store:    options.store,
		registry: NewRegistry(),
		done:     make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(options.ctx)

	for _, agg := range options.aggregates {
		e.registry.RegisterAggregate(agg)
		e.log.Debug("registered aggregate", slog.String("type", agg.GetAggType()), slog.String("go_type", fmt.Sprintf("%T", agg)))
	}

	for _, s := range options.events {
		e.registry.RegisterEvent(s.t, s.ctor)
		e.log.Debug("registered event", slog.String("type", s.t))
	}

	e.repoOpts = append([]RepositoryOption{WithMetrics(options.metrics)}, options.repoOpts...)
	e.repo = NewRepository(e.log, e.store, e.registry, e.repoOpts...)

	context.AfterFunc(e.ctx, func() {
		e.log.Info("env shutdown")
		close(e.done)
	})

	return e
}

// Shutdown cancels the env context and waits for shutdown to complete.
func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// Append writes events directly to the stream of an aggregate, bypassing
// the aggregate itself. It is meant for tests and imports.
func (e *Env) Append(ctx context.Context, expect ExpectedVersion, aggType, aggID string, events ...any) (Version, error) {
	if len(events) == 0 {
		return 0, ErrStoreNoEvents
	}
	stream := StreamIDFor(aggType, aggID)
	envs := make([]Envelope, 0, len(events))
	for _, ev := range events {
		data, err := codec.Marshal(ev)
		if err != nil {
			return 0, err
		}
		envs = append(envs, Envelope{
			ID:       gonanoid.Must(),
			Bucket:   e.bucket(),
			StreamID: stream,
			Type:     EventTypeOf(ev),
			Data:     data,
		})
	}
	return e.store.WriteEvents(ctx, e.bucket(), stream, envs, nil, expect)
}

func (e *Env) bucket() string { return newRepoOpts(e.repoOpts...).bucket }
