package uow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/aggflow/core/pipeline"
)

type (
	orchestratorConfig struct {
		log     *slog.Logger
		metrics Metrics
	}
	OrchestratorOption func(*orchestratorConfig)
)

func WithLog(log *slog.Logger) OrchestratorOption {
	return func(c *orchestratorConfig) { c.log = log }
}

func WithMetrics(m Metrics) OrchestratorOption {
	return func(c *orchestratorConfig) { c.metrics = m }
}

// Orchestrator runs the units of work of every sent message around the rest
// of the pipeline.
type Orchestrator struct {
	registry *Registry
	bags     BagStore
	log      *slog.Logger
	metrics  Metrics
}

func NewOrchestrator(registry *Registry, bags BagStore, opts ...OrchestratorOption) *Orchestrator {
	cfg := orchestratorConfig{log: slog.Default(), metrics: NopMetrics()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		registry: registry,
		bags:     bags,
		log:      cfg.log.With(slog.String("component", "uow")),
		metrics:  cfg.metrics,
	}
}

// Middleware returns the orchestrator as a pipeline stage.
func (o *Orchestrator) Middleware() pipeline.HandlerMiddleware {
	return pipeline.MiddlewareHandle(o.Handle)
}

type activeUnit struct {
	kind    Kind
	unit    UnitOfWork
	session *Session
}

type cycleKey struct{}

// cycle is the per message state, reachable from handlers via Lookup.
type cycle struct {
	msgID     string
	active    []*activeUnit
	recovered map[string]Bag
}

func (c *cycle) find(kind string) (UnitOfWork, bool) {
	for _, u := range c.active {
		if u.kind.Name == kind {
			return u.unit, true
		}
	}
	return nil, false
}

// Handle runs one cycle for mc with next as the rest of the pipeline.
// Messages that are not sends pass through.
func (o *Orchestrator) Handle(mc *pipeline.MsgCtx, next pipeline.Handler) error {
	if mc.Intent() != pipeline.IntentSend {
		o.metrics.CycleOutcome(OutcomePassthrough)
		return next.Handle(mc)
	}
	defer o.metrics.CycleDuration().ObserveDuration()

	ctx := mc.Context()
	log := mc.Log()

	// a cancelled handler must not lose recovered bags
	saved, err := o.bags.Remove(context.WithoutCancel(ctx), mc.ID())
	if err != nil {
		o.metrics.CycleOutcome(OutcomeFailed)
		return err
	}
	c := &cycle{msgID: mc.ID(), recovered: make(map[string]Bag, len(saved))}
	for _, sb := range saved {
		c.recovered[sb.Kind] = sb.Bag
	}
	mc.Set(cycleKey{}, c)

	if err := o.begin(ctx, mc, c); err != nil {
		log.Debug("begin failed", slog.Any("error", err))
		return o.fail(ctx, c, c.active, err)
	}

	if err := o.process(mc, next); err != nil {
		return o.fail(ctx, c, c.active, err)
	}

	for i := len(c.active) - 1; i >= 0; i-- {
		u := c.active[i]
		endErr := u.unit.End(ctx, nil)
		saveErr := o.saveBag(ctx, c.msgID, u)
		if endErr != nil {
			o.metrics.UnitEndFailed(u.kind.Name)
			return o.fail(ctx, c, c.active[:i], endErr, saveErr)
		}
		if saveErr != nil {
			return o.fail(ctx, c, c.active[:i], saveErr)
		}
	}

	if _, err := o.bags.Remove(context.WithoutCancel(ctx), c.msgID); err != nil {
		o.metrics.CycleOutcome(OutcomeFailed)
		return err
	}
	o.metrics.CycleOutcome(OutcomeCleared)
	log.Debug("cycle cleared", slog.Int("units", len(c.active)))
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, mc *pipeline.MsgCtx, c *cycle) error {
	for _, k := range o.registry.Discover() {
		bag, ok := c.recovered[k.Name]
		if !ok {
			bag = Bag{}
		}
		delete(c.recovered, k.Name)

		u := &activeUnit{
			kind: k,
			unit: k.New(),
			session: &Session{
				MessageID: c.msgID,
				Kind:      k.Name,
				Bag:       bag,
				Retries:   mc.Attempt(),
				Headers:   mc.Headers(),
			},
		}
		if err := u.unit.Begin(ctx, u.session); err != nil {
			// never begun, so no End; its bag is kept for the next attempt
			if saveErr := o.saveBag(ctx, c.msgID, u); saveErr != nil {
				return &CompensationError{Cause: err, Compensation: []error{saveErr}}
			}
			return err
		}
		c.active = append(c.active, u)
	}
	return nil
}

func (o *Orchestrator) process(mc *pipeline.MsgCtx, next pipeline.Handler) error {
	msg := mc.Message()
	if !msg.IsBulkReplay() {
		return next.Handle(mc)
	}
	for i, d := range msg.Delayed {
		restore := mc.Activate(d)
		err := next.Handle(mc)
		restore()
		if err != nil {
			mc.Log().Debug("bulk replay failed", slog.Int("index", i), slog.Int("total", len(msg.Delayed)))
			return err
		}
	}
	return nil
}

// fail ends units in reverse order with cause and saves their bags. extra
// holds compensation errors that already happened.
func (o *Orchestrator) fail(ctx context.Context, c *cycle, units []*activeUnit, cause error, extra ...error) error {
	defer o.metrics.CycleOutcome(OutcomeFailed)

	var compensation []error
	for _, e := range extra {
		if e != nil {
			compensation = append(compensation, e)
		}
	}
	if ce, ok := cause.(*CompensationError); ok {
		cause = ce.Cause
		compensation = append(compensation, ce.Compensation...)
	}

	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if err := u.unit.End(ctx, cause); err != nil {
			o.metrics.UnitEndFailed(u.kind.Name)
			compensation = append(compensation, err)
		}
		if err := o.saveBag(ctx, c.msgID, u); err != nil {
			compensation = append(compensation, err)
		}
	}

	// bags of kinds that never began go back untouched
	for kind, bag := range c.recovered {
		if err := o.bags.Save(context.WithoutCancel(ctx), c.msgID, kind, bag); err != nil {
			compensation = append(compensation, err)
		}
	}

	o.log.Warn("cycle failed",
		slog.String("msg", c.msgID),
		slog.Any("error", cause),
		slog.Int("compensation_errors", len(compensation)),
	)
	if len(compensation) == 0 {
		return cause
	}
	return &CompensationError{Cause: cause, Compensation: compensation}
}

func (o *Orchestrator) saveBag(ctx context.Context, msgID string, u *activeUnit) error {
	bag := u.session.Bag
	if bag == nil {
		bag = Bag{}
	}
	if err := o.bags.Save(context.WithoutCancel(ctx), msgID, u.kind.Name, bag); err != nil {
		return fmt.Errorf("save bag %s: %w", u.kind.Name, err)
	}
	return nil
}

// Lookup returns the active unit of kind in the cycle of mc.
func Lookup[T UnitOfWork](mc *pipeline.MsgCtx, kind string) (T, error) {
	var zero T
	v, ok := mc.Get(cycleKey{})
	if !ok {
		return zero, fmt.Errorf("%w: %s (no cycle)", ErrUnitNotActive, kind)
	}
	u, ok := v.(*cycle).find(kind)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnitNotActive, kind)
	}
	t, ok := u.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrUnitNotActive, kind, u)
	}
	return t, nil
}
