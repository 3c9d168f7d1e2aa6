package es

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/codewandler/aggflow/internal/codec"
)

const (
	// SnapshotEventType is the envelope type of snapshots.
	SnapshotEventType = "$snapshot"
	// SnapshotVersionHeader holds the aggregate version a snapshot was taken at.
	SnapshotVersionHeader = "$version"
)

// Snapshottable aggregates serialize their own state, which must be valid
// JSON. Other aggregates are snapshotted with the JSON codec.
type Snapshottable interface {
	Snapshot() (data []byte, err error)
	RestoreSnapshot(data []byte) error
}

// CreateSnapshot captures the persisted state of agg. Pending events must be
// written first.
func CreateSnapshot(agg Aggregate, id string) (Envelope, error) {
	b, err := attached(agg)
	if err != nil {
		return Envelope{}, err
	}
	if len(b.stream.pending) > 0 {
		return Envelope{}, fmt.Errorf("snapshot %s: aggregate has pending events", b.stream.ID())
	}
	var data []byte
	if s, ok := agg.(Snapshottable); ok {
		data, err = s.Snapshot()
	} else {
		data, err = codec.Marshal(agg)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("snapshot %s: %w", b.stream.ID(), err)
	}
	return Envelope{
		ID:         id,
		Bucket:     b.stream.Bucket(),
		StreamID:   SnapshotStream(b.stream.ID()),
		Type:       SnapshotEventType,
		OccurredAt: time.Now(),
		Headers: Headers{
			SnapshotVersionHeader: strconv.FormatUint(uint64(b.stream.Version()), 10),
		},
		Data: data,
	}, nil
}

// RestoreSnapshot loads the state of snap into agg and moves its stream to
// the snapshot version.
func RestoreSnapshot(agg Aggregate, snap Envelope) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(snap.Headers.Get(SnapshotVersionHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("snapshot %s: bad version header: %w", snap.ID, err)
	}
	if s, ok := agg.(Snapshottable); ok {
		err = s.RestoreSnapshot(snap.Data)
	} else {
		err = codec.Unmarshal(snap.Data, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	b.stream.version = Version(v)
	b.log.Debug("snapshot restored", slog.String("snapshot", snap.ID), b.stream.version.SlogAttr())
	return nil
}

// LoadSnapshot reads the newest snapshot of stream. ok is false when there
// is none.
func LoadSnapshot(ctx context.Context, store EventStore, bucket, stream string) (snap Envelope, ok bool, err error) {
	envs, err := store.GetEventsBackwards(ctx, bucket, SnapshotStream(stream), WithCount(1))
	if err != nil || len(envs) == 0 {
		return Envelope{}, false, err
	}
	return envs[0], true, nil
}
