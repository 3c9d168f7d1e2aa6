package es

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/aggflow/core/es/assert"
)

// Runtime is what an attached aggregate needs to create and route events.
// Registry implements it.
type Runtime interface {
	RouteResolver
	EventFactory
}

// Aggregate is the core interface for event-sourced domain objects. State is
// only ever changed by routing events through the aggregate's registered
// routes.
//
// The typical lifecycle is:
//  1. Create a new aggregate or load an existing one via Repository
//  2. Execute domain logic that calls Apply to record events
//  3. Save via Repository which writes the pending events
type Aggregate interface {
	// GetAggType returns the aggregate type name used for stream identification.
	GetAggType() string
	GetID() string
	SetID(string)

	// Register declares events and routes with On and OnConflict.
	Register(r Registrar)

	root() *BaseAggregate
}

// BaseAggregate is embedded by every aggregate. It owns the event stream and
// the runtime the aggregate was attached with.
type BaseAggregate struct {
	id     string
	stream *EventStream
	rt     Runtime
	log    *slog.Logger
}

func (b *BaseAggregate) root() *BaseAggregate { return b }

func (b *BaseAggregate) GetID() string   { return b.id }
func (b *BaseAggregate) SetID(id string) { b.id = id }

func (b *BaseAggregate) IsAttached() bool { return b.stream != nil }

// Stream returns the attached stream, nil when detached.
func (b *BaseAggregate) Stream() *EventStream { return b.stream }

func (b *BaseAggregate) Bucket() string {
	if b.stream == nil {
		return ""
	}
	return b.stream.Bucket()
}

func (b *BaseAggregate) StreamID() string {
	if b.stream == nil {
		return ""
	}
	return b.stream.ID()
}

func (b *BaseAggregate) Version() Version {
	if b.stream == nil {
		return 0
	}
	return b.stream.Version()
}

func (b *BaseAggregate) CommitVersion() Version {
	if b.stream == nil {
		return 0
	}
	return b.stream.CommitVersion()
}

// Checked runs thenFunc when c holds.
func (b *BaseAggregate) Checked(c assert.Cond, thenFunc func() error) error {
	if err := c.Check(); err != nil {
		return err
	}
	return thenFunc()
}

// StreamIDFor returns the stream id of an aggregate instance.
func StreamIDFor(aggType, id string) string { return aggType + "-" + id }

// Attach binds agg to a fresh stream in bucket. The aggregate id must be set.
func Attach(agg Aggregate, bucket string, rt Runtime, log *slog.Logger) error {
	id := agg.GetID()
	if id == "" {
		return errors.New("aggregate id is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	b := agg.root()
	b.rt = rt
	b.stream = NewEventStream(bucket, StreamIDFor(agg.GetAggType(), id))
	b.log = log.With(slog.Group("agg",
		slog.String("type", agg.GetAggType()),
		slog.String("id", id),
	))
	return nil
}

// StreamOf returns the stream agg is attached to, nil when detached.
func StreamOf(agg Aggregate) *EventStream { return agg.root().stream }

// Rollback drops the events and metadata changes staged since the last save.
// The in-memory state of agg is not reverted.
func Rollback(agg Aggregate) {
	if s := agg.root().stream; s != nil {
		s.discard()
	}
}

func attached(agg Aggregate) (*BaseAggregate, error) {
	b := agg.root()
	if b.stream == nil || b.rt == nil {
		return nil, fmt.Errorf("%w: %s %q", ErrAggregateDetached, agg.GetAggType(), agg.GetID())
	}
	return b, nil
}

// === Apply / Raise ===

type (
	applyOptions struct{ headers Headers }
	ApplyOption  interface{ applyToApply(*applyOptions) }
	headerOption struct{ h Headers }
)

func (o headerOption) applyToApply(opts *applyOptions) { opts.headers = opts.headers.With(o.h) }

// WithHeaders attaches headers to the applied or raised event.
func WithHeaders(h Headers) ApplyOption { return headerOption{h: h} }

func WithHeader(key, value string) ApplyOption { return headerOption{h: Headers{key: value}} }

func newApplyOptions(opts ...ApplyOption) applyOptions {
	options := applyOptions{}
	for _, opt := range opts {
		opt.applyToApply(&options)
	}
	return options
}

func validateEvent(ev any) error {
	if v, ok := ev.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid event %T: %w", ev, err)
		}
	}
	return nil
}

func createEvent[E any](rt EventFactory, mutate func(*E)) (any, error) {
	return rt.Create(EventTypeFor[E](), func(ev any) {
		if e, ok := ev.(*E); ok && mutate != nil {
			mutate(e)
		}
	})
}

// Apply creates an event of type E through the event factory, lets mutate
// fill it and applies it to agg.
func Apply[E any](agg Aggregate, mutate func(*E), opts ...ApplyOption) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	ev, err := createEvent(b.rt, mutate)
	if err != nil {
		return err
	}
	return ApplyEvent(agg, ev, newApplyOptions(opts...).headers)
}

// ApplyEvent routes ev through the apply route and appends it to the pending
// events. An event without a route is still appended.
func ApplyEvent(agg Aggregate, ev any, headers Headers) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	if err := validateEvent(ev); err != nil {
		return err
	}
	t := EventTypeOf(ev)
	if err := route(b, agg, t, ev); err != nil {
		return err
	}
	b.stream.stage(StagedEvent{Type: t, Event: ev, Headers: headers.Clone(), OccurredAt: time.Now()})
	return nil
}

// Raise creates an event of type E and appends it to the out-of-band events.
// It never changes aggregate state or versions.
func Raise[E any](agg Aggregate, mutate func(*E), opts ...ApplyOption) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	ev, err := createEvent(b.rt, mutate)
	if err != nil {
		return err
	}
	if err := validateEvent(ev); err != nil {
		return err
	}
	b.stream.stageOOB(StagedEvent{
		Type:       EventTypeOf(ev),
		Event:      ev,
		Headers:    newApplyOptions(opts...).headers,
		OccurredAt: time.Now(),
	})
	return nil
}

// Hydrate replays persisted events through the apply routes. Each event
// advances Version by one; nothing is staged.
func Hydrate(agg Aggregate, events ...any) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := hydrate(b, agg, StagedEvent{Type: EventTypeOf(ev), Event: ev}, b.stream.Version()+1); err != nil {
			return err
		}
	}
	return nil
}

func hydrate(b *BaseAggregate, agg Aggregate, ev StagedEvent, v Version) error {
	if err := route(b, agg, ev.Type, ev.Event); err != nil {
		return err
	}
	b.stream.advance(ev, v)
	return nil
}

func route(b *BaseAggregate, agg Aggregate, eventType string, ev any) error {
	r := b.rt.Resolve(agg, eventType)
	if r == nil {
		b.log.Debug("no route", slog.String("event", eventType))
		return nil
	}
	if err := r(agg, ev); err != nil {
		return fmt.Errorf("route %s: %w", eventType, err)
	}
	return nil
}

// Conflict applies ev to an aggregate that advanced since ev was produced.
// The conflict route runs first, then the apply route, then ev is staged.
// Without a conflict route an error wrapping ErrNoRoute is returned and
// nothing is staged. A conflict route returning Discard drops ev silently.
func Conflict(agg Aggregate, ev any, headers Headers) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	t := EventTypeOf(ev)
	cr := b.rt.ResolveConflict(agg, t)
	if cr == nil {
		return fmt.Errorf("%w: conflict %s on %s", ErrNoRoute, t, agg.GetAggType())
	}
	if err := cr(agg, ev); err != nil {
		if errors.Is(err, ErrDiscardEvent) {
			b.log.Debug("conflicting event discarded", slog.String("event", t), slog.String("reason", err.Error()))
			return nil
		}
		return fmt.Errorf("conflict %s: %w", t, err)
	}
	if err := route(b, agg, t, ev); err != nil {
		return err
	}
	b.stream.stage(StagedEvent{Type: t, Event: ev, Headers: headers.Clone(), OccurredAt: time.Now()})
	return nil
}
