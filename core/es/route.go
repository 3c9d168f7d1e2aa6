package es

import "fmt"

// Route mutates an aggregate from a single event. Apply routes should not
// fail; conflict routes may return Discard to drop the event.
type Route func(agg Aggregate, event any) error

// RouteResolver finds the route for an (aggregate, event type) pair. A nil
// route from Resolve means "skip". A nil route from ResolveConflict means the
// conflict cannot be handled.
type RouteResolver interface {
	Resolve(agg Aggregate, eventType string) Route
	ResolveConflict(agg Aggregate, eventType string) Route
}

// Registrar is handed to Aggregate.Register. Routes registered through it are
// scoped to the registering aggregate type.
type Registrar interface {
	RegisterEvent(eventType string, ctor func() any)
	RegisterRoute(eventType string, route Route)
	RegisterConflictRoute(eventType string, route Route)
}

// On registers event E and its apply route for aggregate A.
func On[A Aggregate, E any](r Registrar, fn func(A, *E)) {
	t := EventTypeFor[E]()
	r.RegisterEvent(t, Event[E]())
	r.RegisterRoute(t, func(agg Aggregate, ev any) error {
		a, e, err := routeArgs[A, E](agg, ev)
		if err != nil {
			return err
		}
		fn(a, e)
		return nil
	})
}

// OnConflict registers the conflict route for event E on aggregate A. It runs
// before the apply route when E is re-applied after a concurrent write.
func OnConflict[A Aggregate, E any](r Registrar, fn func(A, *E) error) {
	t := EventTypeFor[E]()
	r.RegisterEvent(t, Event[E]())
	r.RegisterConflictRoute(t, func(agg Aggregate, ev any) error {
		a, e, err := routeArgs[A, E](agg, ev)
		if err != nil {
			return err
		}
		return fn(a, e)
	})
}

func routeArgs[A Aggregate, E any](agg Aggregate, ev any) (a A, e *E, err error) {
	a, ok := agg.(A)
	if !ok {
		return a, nil, fmt.Errorf("route for %T called with aggregate %T", a, agg)
	}
	switch v := ev.(type) {
	case *E:
		e = v
	case E:
		e = &v
	default:
		return a, nil, fmt.Errorf("route for %T called with event %T", e, ev)
	}
	return a, e, nil
}
