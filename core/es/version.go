package es

import (
	"fmt"
	"log/slog"
)

// Version is a position in an event stream. The first event has version 1;
// a stream without events is at version 0.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// ExpectedVersion is the optimistic concurrency expectation of a write.
type ExpectedVersion struct {
	v   Version
	any bool
}

// AnyVersion skips the concurrency check.
func AnyVersion() ExpectedVersion { return ExpectedVersion{any: true} }

// ExactVersion requires the stream to be at exactly v. ExactVersion(0)
// requires the stream to be empty.
func ExactVersion(v Version) ExpectedVersion { return ExpectedVersion{v: v} }

func (e ExpectedVersion) IsAny() bool      { return e.any }
func (e ExpectedVersion) Version() Version { return e.v }

// Matches reports whether a stream at current satisfies the expectation.
func (e ExpectedVersion) Matches(current Version) bool { return e.any || e.v == current }

func (e ExpectedVersion) String() string {
	if e.any {
		return "any"
	}
	return fmt.Sprintf("exact(%d)", e.v)
}
