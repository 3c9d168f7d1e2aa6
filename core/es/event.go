package es

import (
	"github.com/codewandler/aggflow/internal/reflector"
)

// EventFactory builds a blank event of the requested type and runs mutate on
// it before handing it back. Apply and Raise create every event through it.
type EventFactory interface {
	Create(eventType string, mutate func(event any)) (any, error)
}

// EventTypeOf returns the type tag of ev: its EventType() when defined,
// otherwise the fully qualified Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.NameOf(ev)
}

// EventTypeFor is EventTypeOf for a type parameter.
func EventTypeFor[E any]() string { return EventTypeOf(new(E)) }

// Event returns a constructor for an event of type E.
func Event[E any]() func() any { return func() any { return new(E) } }

// RegisterEvents registers event constructors without routes, e.g. for
// events that are only ever raised.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.RegisterEvent(EventTypeOf(ctor()), ctor)
	}
}
