package uow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnitNotActive = errors.New("unit of work not active")
	ErrDuplicateKind = errors.New("duplicate unit of work kind")
)

// CompensationError is returned when ending the units of work after a
// failure raised errors of its own. Cause is the error that failed the cycle.
type CompensationError struct {
	Cause        error
	Compensation []error
}

// Errors returns the cause followed by the compensation errors in the order
// they occurred.
func (e *CompensationError) Errors() []error {
	return append([]error{e.Cause}, e.Compensation...)
}

func (e *CompensationError) Unwrap() []error { return e.Errors() }

func (e *CompensationError) Error() string {
	msgs := make([]string, 0, len(e.Compensation))
	for _, c := range e.Compensation {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("%v (compensation failed: %s)", e.Cause, strings.Join(msgs, "; "))
}
