// Package reflector derives stable type names for events and messages.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> string

// NameOf returns "pkg/path.TypeName" for the dynamic type of x.
// Pointers are unwrapped so *T and T share a name.
func NameOf(x any) string {
	return NameForType(reflect.TypeOf(x))
}

// NameFor returns the name of T.
func NameFor[T any]() string {
	return NameForType(reflect.TypeFor[T]())
}

func NameForType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if n, ok := cache.Load(t); ok {
		return n.(string)
	}
	name := t.Name()
	if p := t.PkgPath(); p != "" {
		name = p + "." + name
	}
	cache.Store(t, name)
	return name
}

// New returns a freshly allocated value of the same type as x.
// For a pointer type *T this is a new *T; otherwise the zero value.
func New[T any](x T) T {
	rt := reflect.TypeOf(x)
	if rt != nil && rt.Kind() == reflect.Pointer {
		return reflect.New(rt.Elem()).Interface().(T)
	}
	var zero T
	return zero
}
