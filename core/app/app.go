package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/esuow"
	"github.com/codewandler/aggflow/core/outbox"
	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
)

type Config struct {
	Context context.Context
	Log     *slog.Logger

	// Store defaults to an in-memory store.
	Store es.EventStore
	// Bags defaults to an in-memory bag store.
	Bags uow.BagStore
	// Transport receives outbox messages. When nil they are dispatched back
	// into the app.
	Transport outbox.Transport

	Aggregates []es.Aggregate
	RepoOpts   []es.RepositoryOption
	ESMetrics  es.ESMetrics
	UoWMetrics uow.Metrics

	MaxAttempts int
	RetryDelay  time.Duration
	DeadLetter  func(pipeline.Message, error)
}

// Registration adds message handlers to the mux. repo is the repository of
// the app's event sourcing environment.
type Registration func(mux *pipeline.Mux, repo es.Repository)

type App struct {
	ctx        context.Context
	cancelCtx  context.CancelFunc
	log        *slog.Logger
	env        *es.Env
	mux        *pipeline.Mux
	orch       *uow.Orchestrator
	dispatcher *pipeline.Dispatcher
	loopback   *outbox.DispatchTransport
}

func New(config Config, handlers ...Registration) (*App, error) {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Bags == nil {
		config.Bags = uow.NewMemBagStore()
	}
	if config.ESMetrics == nil {
		config.ESMetrics = es.NopESMetrics()
	}
	if config.UoWMetrics == nil {
		config.UoWMetrics = uow.NopMetrics()
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}

	a := &App{log: config.Log, mux: pipeline.NewMux()}
	a.ctx, a.cancelCtx = context.WithCancel(config.Context)

	// === event sourcing ===
	envOpts := []es.EnvOption{
		es.WithCtx(a.ctx),
		es.WithLog(config.Log),
		es.WithAggregates(config.Aggregates...),
		es.WithRepoOpts(config.RepoOpts...),
		es.WithMetrics(config.ESMetrics),
	}
	if config.Store != nil {
		envOpts = append(envOpts, es.WithStore(config.Store))
	}
	a.env = es.NewEnv(envOpts...)

	// === units of work ===
	transport := config.Transport
	if transport == nil {
		a.loopback = outbox.NewDispatchTransport(dispatchFunc(a.Dispatch))
		transport = a.loopback
	}
	reg, err := uow.NewRegistry(
		esuow.Kind(a.env.Repository(), config.Log),
		outbox.Kind(transport, config.Log),
	)
	if err != nil {
		return nil, err
	}
	a.orch = uow.NewOrchestrator(reg, config.Bags,
		uow.WithLog(config.Log),
		uow.WithMetrics(config.UoWMetrics),
	)

	// === pipeline ===
	for _, h := range handlers {
		h(a.mux, a.env.Repository())
	}
	dopts := []pipeline.DispatcherOption{
		pipeline.WithLog(config.Log),
		pipeline.WithMaxAttempts(config.MaxAttempts),
		pipeline.WithRetryDelay(config.RetryDelay),
		pipeline.WithMiddlewares(pipeline.NewLogMiddleware(), a.orch.Middleware()),
	}
	if config.DeadLetter != nil {
		dopts = append(dopts, pipeline.WithDeadLetter(config.DeadLetter))
	}
	a.dispatcher = pipeline.NewDispatcher(a.mux.Handler(), dopts...)

	a.log.Debug("app created", slog.Int("aggregates", len(config.Aggregates)))
	return a, nil
}

type dispatchFunc func(ctx context.Context, msg pipeline.Message) error

func (f dispatchFunc) Dispatch(ctx context.Context, msg pipeline.Message) error { return f(ctx, msg) }

func (a *App) Env() *es.Env                     { return a.env }
func (a *App) Mux() *pipeline.Mux               { return a.mux }
func (a *App) Dispatcher() *pipeline.Dispatcher { return a.dispatcher }

// Dispatch handles msg with the app's dispatcher.
func (a *App) Dispatch(ctx context.Context, msg pipeline.Message) error {
	return a.dispatcher.Dispatch(ctx, msg)
}

// Send builds a command message and dispatches it.
func (a *App) Send(ctx context.Context, msgType string, payload any, opts ...pipeline.MessageOption) error {
	msg, err := pipeline.NewMessage(msgType, payload, opts...)
	if err != nil {
		return err
	}
	return a.Dispatch(ctx, msg)
}

// Wait blocks until messages sent through the loopback outbox have been
// handled. It returns the first error of the dispatches since the last Wait.
func (a *App) Wait() error {
	if a.loopback == nil {
		return nil
	}
	return a.loopback.Wait()
}

func (a *App) Stop() {
	a.dispatcher.Close()
	a.env.Shutdown()
	a.cancelCtx()
}
