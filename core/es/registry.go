package es

import (
	"fmt"
	"sync"

	"github.com/codewandler/aggflow/internal/codec"
)

type routeTable map[string]Route

// Registry maps event types to constructors and holds, per aggregate type,
// the apply route table and the disjoint conflict route table. It is built at
// startup from Aggregate.Register and is read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	ctors      map[string]func() any
	aggregates map[string]bool
	routes     map[string]routeTable
	conflicts  map[string]routeTable
}

func NewRegistry() *Registry {
	return &Registry{
		ctors:      map[string]func() any{},
		aggregates: map[string]bool{},
		routes:     map[string]routeTable{},
		conflicts:  map[string]routeTable{},
	}
}

func (r *Registry) RegisterEvent(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// RegisterAggregate lets agg declare its events and routes. Registering the
// same aggregate type twice is a no-op.
func (r *Registry) RegisterAggregate(agg Aggregate) {
	aggType := agg.GetAggType()
	r.mu.Lock()
	if r.aggregates[aggType] {
		r.mu.Unlock()
		return
	}
	r.aggregates[aggType] = true
	r.mu.Unlock()

	agg.Register(&aggregateRegistrar{r: r, aggType: aggType})
}

func (r *Registry) IsRegistered(aggType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aggregates[aggType]
}

func (r *Registry) Create(eventType string, mutate func(event any)) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	ev := ctor()
	if mutate != nil {
		mutate(ev)
	}
	return ev, nil
}

func (r *Registry) Decode(env Envelope) (any, error) {
	ev, err := r.Create(env.Type, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 {
		if err := codec.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return ev, nil
}

func (r *Registry) Resolve(agg Aggregate, eventType string) Route {
	return r.lookup(r.routes, agg, eventType)
}

func (r *Registry) ResolveConflict(agg Aggregate, eventType string) Route {
	return r.lookup(r.conflicts, agg, eventType)
}

func (r *Registry) lookup(tables map[string]routeTable, agg Aggregate, eventType string) Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return tables[agg.GetAggType()][eventType]
}

func (r *Registry) register(tables map[string]routeTable, aggType, eventType string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := tables[aggType]
	if !ok {
		t = routeTable{}
		tables[aggType] = t
	}
	t[eventType] = route
}

type aggregateRegistrar struct {
	r       *Registry
	aggType string
}

func (a *aggregateRegistrar) RegisterEvent(eventType string, ctor func() any) {
	a.r.RegisterEvent(eventType, ctor)
}

func (a *aggregateRegistrar) RegisterRoute(eventType string, route Route) {
	a.r.register(a.r.routes, a.aggType, eventType, route)
}

func (a *aggregateRegistrar) RegisterConflictRoute(eventType string, route Route) {
	a.r.register(a.r.conflicts, a.aggType, eventType, route)
}

var (
	_ EventFactory  = (*Registry)(nil)
	_ Decoder       = (*Registry)(nil)
	_ RouteResolver = (*Registry)(nil)
)
