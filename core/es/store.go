package es

import (
	"context"
	"slices"
	"time"
)

type (
	// ReadOptions bounds a read. A zero Start reads from the first event
	// (forward) or the last event (backward). A zero Count reads everything.
	ReadOptions struct {
		Start Version
		Count int
	}
	ReadOption interface{ applyToRead(*ReadOptions) }

	readStartOption valueOption[Version]
	readCountOption valueOption[int]
)

func WithStart(v Version) ReadOption { return readStartOption{v: v} }
func WithCount(n int) ReadOption     { return readCountOption{v: n} }

func (o readStartOption) applyToRead(r *ReadOptions) { r.Start = o.v }
func (o readCountOption) applyToRead(r *ReadOptions) { r.Count = o.v }

func NewReadOptions(opts ...ReadOption) ReadOptions {
	options := ReadOptions{}
	for _, opt := range opts {
		opt.applyToRead(&options)
	}
	return options
}

type (
	MetadataOptions struct{ Force bool }
	MetadataOption  interface{ applyToMetadata(*MetadataOptions) }
	forceOption     struct{}
)

// WithForce overrides the owner check on frozen streams.
func WithForce() MetadataOption { return forceOption{} }

func (forceOption) applyToMetadata(o *MetadataOptions) { o.Force = true }

func NewMetadataOptions(opts ...MetadataOption) MetadataOptions {
	options := MetadataOptions{}
	for _, opt := range opts {
		opt.applyToMetadata(&options)
	}
	return options
}

// EventStore is the durable append-only log behind the repository. Streams
// are addressed by bucket and stream id.
type EventStore interface {
	GetEvents(ctx context.Context, bucket, stream string, opts ...ReadOption) ([]Envelope, error)
	GetEventsBackwards(ctx context.Context, bucket, stream string, opts ...ReadOption) ([]Envelope, error)

	// WriteEvents appends events and returns the new stream version. It fails
	// with ErrConcurrencyConflict when expected does not match, writing nothing.
	WriteEvents(
		ctx context.Context,
		bucket, stream string,
		events []Envelope,
		commit Headers,
		expected ExpectedVersion,
	) (Version, error)

	// WriteSnapshot appends to the snapshot stream of stream.
	WriteSnapshot(ctx context.Context, bucket, stream string, snapshot Envelope, commit Headers) (Version, error)

	WriteMetadata(ctx context.Context, bucket, stream string, md StreamMetadata, opts ...MetadataOption) error
	ReadMetadata(ctx context.Context, bucket, stream string) (StreamMetadata, error)
	GetMetadata(ctx context.Context, bucket, stream, key string) (string, error)
	IsFrozen(ctx context.Context, bucket, stream string) (bool, error)
}

// SnapshotStream is the stream holding snapshots of stream.
func SnapshotStream(stream string) string { return stream + "/snapshot" }

// OutOfBandStream is the stream holding events raised on stream.
func OutOfBandStream(stream string) string { return stream + "/oob" }

// CanWriteMetadata reports whether update may be applied on top of current.
// Frozen streams only accept changes from their owner unless forced.
func CanWriteMetadata(current, update StreamMetadata, opts MetadataOptions) bool {
	if !current.IsFrozen() || opts.Force {
		return true
	}
	return update.Owner != nil && *update.Owner == current.OwnerName()
}

// ApplyRetention drops events hidden by md: everything before
// TruncateBefore, everything older than MaxAge and all but the newest
// MaxCount events. envs must be in version order.
func ApplyRetention(envs []Envelope, md StreamMetadata, now time.Time) []Envelope {
	out := envs
	if md.TruncateBefore != nil {
		tb := *md.TruncateBefore
		i := 0
		for i < len(out) && out[i].Version < tb {
			i++
		}
		out = out[i:]
	}
	if md.MaxAge != nil {
		cutoff := now.Add(-*md.MaxAge)
		i := 0
		for i < len(out) && out[i].OccurredAt.Before(cutoff) {
			i++
		}
		out = out[i:]
	}
	if md.MaxCount != nil && *md.MaxCount >= 0 && len(out) > *md.MaxCount {
		out = out[len(out)-*md.MaxCount:]
	}
	return out
}

// SelectForward returns the events at or after ro.Start in order, limited
// to ro.Count.
func SelectForward(envs []Envelope, ro ReadOptions) []Envelope {
	out := make([]Envelope, 0, len(envs))
	for _, e := range envs {
		if ro.Start > 0 && e.Version < ro.Start {
			continue
		}
		out = append(out, e)
		if ro.Count > 0 && len(out) == ro.Count {
			break
		}
	}
	return out
}

// SelectBackward returns the events at or before ro.Start, newest first,
// limited to ro.Count.
func SelectBackward(envs []Envelope, ro ReadOptions) []Envelope {
	out := make([]Envelope, 0, len(envs))
	for _, e := range slices.Backward(envs) {
		if ro.Start > 0 && e.Version > ro.Start {
			continue
		}
		out = append(out, e)
		if ro.Count > 0 && len(out) == ro.Count {
			break
		}
	}
	return out
}
