// Package assert builds named conditions that aggregates check before
// applying events.
package assert

import (
	"cmp"
	"errors"
	"fmt"
)

// ErrFailed is wrapped by every failed Check.
var ErrFailed = errors.New("assertion failed")

type Func func() error
type CondFunc func() bool

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name  string
	cond  CondFunc
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.cond() }

func newCond(name string, condFn CondFunc) *cond {
	return &cond{name: name, cond: condFn, check: func() error {
		if !condFn() {
			return fmt.Errorf("%w: %s", ErrFailed, name)
		}
		return nil
	}}
}

// That wraps an arbitrary predicate, evaluated lazily.
func That(name string, fn CondFunc) Cond { return newCond(name, fn) }

func Not(c Cond) Cond {
	return newCond(fmt.Sprintf("[not](%s)", c.String()), func() bool { return !c.Eval() })
}
func True(v bool, name string) Cond  { return newCond(name, func() bool { return v }) }
func False(v bool, name string) Cond { return newCond(name, func() bool { return !v }) }

func NotEmpty(s string, name string) Cond {
	return newCond(name+" is not empty", func() bool { return s != "" })
}

func Positive[T cmp.Ordered](v T, name string) Cond {
	var zero T
	return newCond(name+" is positive", func() bool { return v > zero })
}

func AtLeast[T cmp.Ordered](v, min T, name string) Cond {
	return newCond(fmt.Sprintf("%s >= %v", name, min), func() bool { return v >= min })
}

// All checks every condition and reports the first failure.
func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})

	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}

	return all
}

func Assert(cond ...Cond) Func {
	return All(cond...).Check
}
