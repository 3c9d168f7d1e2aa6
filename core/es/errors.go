package es

import "errors"

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrAggregateDetached   = errors.New("aggregate is not attached")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrNoRoute             = errors.New("no route")
	ErrDiscardEvent        = errors.New("discard event")
	ErrStreamFrozen        = errors.New("stream is frozen")
	ErrStoreNoEvents       = errors.New("no events to store")
)

type discardError struct{ reason string }

func (e *discardError) Error() string { return "discard event: " + e.reason }
func (e *discardError) Unwrap() error { return ErrDiscardEvent }

// Discard is returned by a conflict route to drop the conflicting event.
// It never leaves Conflict.
func Discard(reason string) error { return &discardError{reason: reason} }
