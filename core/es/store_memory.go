package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type memStream struct {
	events []Envelope
	md     StreamMetadata
}

func (s *memStream) version() Version {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Version
}

// InMemoryStore is a simple, correct (optimistic) store for tests/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	now     func() time.Time
	streams map[string]*memStream
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		now:     time.Now,
		streams: map[string]*memStream{},
	}
}

func memKey(bucket, stream string) string { return bucket + "/" + stream }

func (s *InMemoryStore) get(bucket, stream string) *memStream {
	return s.streams[memKey(bucket, stream)]
}

func (s *InMemoryStore) getOrCreate(bucket, stream string) *memStream {
	k := memKey(bucket, stream)
	ms, ok := s.streams[k]
	if !ok {
		ms = &memStream{}
		s.streams[k] = ms
	}
	return ms
}

func (s *InMemoryStore) read(bucket, stream string) []Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms := s.get(bucket, stream)
	if ms == nil {
		return nil
	}
	return ApplyRetention(ms.events, ms.md, s.now())
}

func (s *InMemoryStore) GetEvents(_ context.Context, bucket, stream string, opts ...ReadOption) ([]Envelope, error) {
	return SelectForward(s.read(bucket, stream), NewReadOptions(opts...)), nil
}

func (s *InMemoryStore) GetEventsBackwards(_ context.Context, bucket, stream string, opts ...ReadOption) ([]Envelope, error) {
	return SelectBackward(s.read(bucket, stream), NewReadOptions(opts...)), nil
}

func (s *InMemoryStore) WriteEvents(
	_ context.Context,
	bucket, stream string,
	events []Envelope,
	commit Headers,
	expected ExpectedVersion,
) (Version, error) {
	if len(events) == 0 {
		return 0, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.getOrCreate(bucket, stream)
	if ms.md.IsFrozen() {
		return 0, fmt.Errorf("%w: %s", ErrStreamFrozen, stream)
	}
	current := ms.version()
	if !expected.Matches(current) {
		return 0, fmt.Errorf("%w: stream %s expected %s, current %d", ErrConcurrencyConflict, stream, expected, current)
	}

	now := s.now()
	written := make([]Envelope, 0, len(events))
	for i, e := range events {
		e.Bucket = bucket
		e.StreamID = stream
		e.Version = current + Version(i+1)
		e.Commit = commit.Clone()
		if e.ID == "" {
			e.ID = gonanoid.Must()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
		written = append(written, e)
	}
	ms.events = append(ms.events, written...)

	v := ms.version()
	s.log.Debug("written", slog.String("stream", stream), slog.Int("count", len(written)), v.SlogAttr())
	return v, nil
}

func (s *InMemoryStore) WriteSnapshot(ctx context.Context, bucket, stream string, snapshot Envelope, commit Headers) (Version, error) {
	return s.WriteEvents(ctx, bucket, SnapshotStream(stream), []Envelope{snapshot}, commit, AnyVersion())
}

func (s *InMemoryStore) WriteMetadata(_ context.Context, bucket, stream string, md StreamMetadata, opts ...MetadataOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.getOrCreate(bucket, stream)
	if !CanWriteMetadata(ms.md, md, NewMetadataOptions(opts...)) {
		return fmt.Errorf("%w: %s is owned by %q", ErrStreamFrozen, stream, ms.md.OwnerName())
	}
	ms.md = ms.md.Merge(md)
	return nil
}

func (s *InMemoryStore) ReadMetadata(_ context.Context, bucket, stream string) (StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ms := s.get(bucket, stream); ms != nil {
		return ms.md, nil
	}
	return StreamMetadata{}, nil
}

func (s *InMemoryStore) GetMetadata(ctx context.Context, bucket, stream, key string) (string, error) {
	md, err := s.ReadMetadata(ctx, bucket, stream)
	if err != nil {
		return "", err
	}
	return md.Get(key), nil
}

func (s *InMemoryStore) IsFrozen(ctx context.Context, bucket, stream string) (bool, error) {
	md, err := s.ReadMetadata(ctx, bucket, stream)
	if err != nil {
		return false, err
	}
	return md.IsFrozen(), nil
}

var _ EventStore = (*InMemoryStore)(nil)
