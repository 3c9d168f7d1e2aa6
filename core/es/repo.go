package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/codewandler/aggflow/internal/codec"
	"github.com/codewandler/aggflow/internal/reflector"
)

type Repository interface {
	// Attach binds agg to a stream in the repository bucket.
	Attach(agg Aggregate) error
	// Load hydrates agg from the store. It returns ErrAggregateNotFound
	// when the stream holds no events.
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	// Save writes everything staged on agg: pending events, out-of-band
	// events, metadata changes and optionally a snapshot.
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
}

// repository rehydrates aggregates and persists new events with optimistic
// concurrency. Conflicts are resolved by replaying the pending events on a
// fresh instance through Conflict.
type repository struct {
	log      *slog.Logger
	store    EventStore
	registry *Registry
	opts     repoOpts
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *Registry,
	opts ...RepositoryOption,
) Repository {
	if log == nil {
		log = slog.Default()
	}
	return &repository{
		log:      log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:    store,
		registry: registry,
		opts:     newRepoOpts(opts...),
	}
}

func (r *repository) Attach(agg Aggregate) error { return r.attachIn(agg, r.opts.bucket) }

func (r *repository) attachIn(agg Aggregate, bucket string) error {
	if agg.GetAggType() == "" {
		return errors.New("aggregate type is empty")
	}
	r.registry.RegisterAggregate(agg)
	return Attach(agg, bucket, r.registry, r.log)
}

func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	aggType := agg.GetAggType()
	defer r.opts.metrics.RepoLoadDuration(aggType).ObserveDuration()

	if !agg.root().IsAttached() {
		if err := r.Attach(agg); err != nil {
			return err
		}
	}
	b := agg.root()
	if b.stream.HasChanges() {
		return errors.New("aggregate has staged changes")
	}

	options := newLoadOptions(append(r.opts.loadOpts, opts...)...)
	bucket, streamID := b.stream.Bucket(), b.stream.ID()

	if options.snapshot && options.until == nil && b.stream.Version() == 0 {
		if err := r.applySnapshot(ctx, agg); err != nil {
			return err
		}
	}

	md, err := r.store.ReadMetadata(ctx, bucket, streamID)
	if err != nil {
		return fmt.Errorf("read metadata %s: %w", streamID, err)
	}
	b.stream.setMetadata(md)

	loaded, err := r.readEvents(ctx, bucket, streamID, b.stream.Version()+1)
	if err != nil {
		return err
	}

	for _, e := range loaded {
		if options.until != nil && e.Version > *options.until {
			break
		}
		// Retention may leave gaps, so versions only need to increase.
		if e.Version <= b.stream.Version() {
			return fmt.Errorf("stream %s: version %d after %d", streamID, e.Version, b.stream.Version())
		}
		ev, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := hydrate(b, agg, StagedEvent{Type: e.Type, Event: ev, Headers: e.Headers, OccurredAt: e.OccurredAt}, e.Version); err != nil {
			return err
		}
	}

	if b.stream.Version() == 0 {
		return ErrAggregateNotFound
	}

	b.log.Debug("loaded", b.stream.Version().SlogAttr())
	return nil
}

func (r *repository) readEvents(ctx context.Context, bucket, stream string, from Version) ([]Envelope, error) {
	defer r.opts.metrics.StoreReadDuration(bucket).ObserveDuration()
	envs, err := r.store.GetEvents(ctx, bucket, stream, WithStart(from))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	return envs, nil
}

func (r *repository) applySnapshot(ctx context.Context, agg Aggregate) error {
	defer r.opts.metrics.SnapshotLoadDuration(agg.GetAggType()).ObserveDuration()
	s := agg.root().stream
	snap, ok, err := LoadSnapshot(ctx, r.store, s.Bucket(), s.ID())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	return RestoreSnapshot(agg, snap)
}

func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	b, err := attached(agg)
	if err != nil {
		return err
	}
	options := newSaveOptions(append(r.opts.saveOpts, opts...)...)
	if !b.stream.HasChanges() && !options.snapshot {
		return nil
	}

	aggType := agg.GetAggType()
	defer r.opts.metrics.RepoSaveDuration(aggType).ObserveDuration()

	// An unfreeze has to land before the events it unblocks.
	if md, ok := b.stream.MetadataChanges(); ok && md.Frozen != nil && !*md.Frozen {
		if err := r.writeMetadata(ctx, b); err != nil {
			return err
		}
	}

	if len(b.stream.pending) > 0 {
		if err := r.writePending(ctx, agg, options.commit); err != nil {
			return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, agg.GetID(), err)
		}
		// conflict resolution may have replaced the stream
		b = agg.root()
	}

	if len(b.stream.outOfBand) > 0 {
		envs, err := r.encode(b.stream, OutOfBandStream(b.stream.ID()), b.stream.outOfBand)
		if err != nil {
			return err
		}
		if _, err := r.write(ctx, b.stream.Bucket(), OutOfBandStream(b.stream.ID()), envs, options.commit, AnyVersion()); err != nil {
			return fmt.Errorf("write out-of-band events: %w", err)
		}
		b.stream.clearOutOfBand()
	}

	if _, ok := b.stream.MetadataChanges(); ok {
		if err := r.writeMetadata(ctx, b); err != nil {
			return err
		}
	}

	if options.snapshot {
		if err := r.saveSnapshot(ctx, agg, options.commit); err != nil {
			return err
		}
	}

	b.log.Debug("saved", b.stream.Version().SlogAttr())
	return nil
}

func (r *repository) writePending(ctx context.Context, agg Aggregate, commit Headers) error {
	aggType := agg.GetAggType()
	for attempt := 0; ; attempt++ {
		s := agg.root().stream
		envs, err := r.encode(s, s.ID(), s.pending)
		if err != nil {
			return err
		}
		v, err := r.write(ctx, s.Bucket(), s.ID(), envs, commit, ExactVersion(s.Version()))
		if err == nil {
			s.markCommitted(v)
			r.opts.metrics.EventsWritten(aggType, len(envs))
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		r.opts.metrics.ConcurrencyConflict(aggType)
		if attempt >= r.opts.conflictRetries {
			return err
		}
		agg.root().log.Warn("concurrency conflict, resolving", slog.Int("attempt", attempt+1))
		if err := r.resolveConflict(ctx, agg); err != nil {
			return err
		}
		if len(agg.root().stream.pending) == 0 {
			return nil
		}
	}
}

// resolveConflict loads a fresh instance of agg, replays the stale pending
// events on it through Conflict and copies the result over agg.
func (r *repository) resolveConflict(ctx context.Context, agg Aggregate) error {
	stale := agg.root().stream

	fresh := reflector.New(agg)
	if v := reflect.ValueOf(fresh); !v.IsValid() || v.IsNil() {
		return fmt.Errorf("cannot allocate %T", agg)
	}
	fresh.SetID(agg.GetID())
	if err := r.attachIn(fresh, stale.Bucket()); err != nil {
		return err
	}
	if err := r.Load(ctx, fresh); err != nil && !errors.Is(err, ErrAggregateNotFound) {
		return fmt.Errorf("reload: %w", err)
	}

	fs := fresh.root().stream
	discarded := 0
	for _, ev := range stale.pending {
		before := len(fs.pending)
		if err := Conflict(fresh, ev.Event, ev.Headers); err != nil {
			return err
		}
		if len(fs.pending) == before {
			discarded++
		}
	}
	fs.outOfBand = stale.outOfBand
	fs.mdChanges = stale.mdChanges

	reflect.ValueOf(agg).Elem().Set(reflect.ValueOf(fresh).Elem())
	r.opts.metrics.ConflictResolved(agg.GetAggType(), len(stale.pending)-discarded, discarded)
	return nil
}

func (r *repository) encode(s *EventStream, streamID string, staged []StagedEvent) ([]Envelope, error) {
	envs := make([]Envelope, 0, len(staged))
	for _, ev := range staged {
		data, err := codec.Marshal(ev.Event)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
		}
		env := Envelope{
			ID:         r.opts.idGenerator(),
			Bucket:     s.Bucket(),
			StreamID:   streamID,
			Type:       ev.Type,
			OccurredAt: ev.OccurredAt,
			Headers:    ev.Headers,
			Data:       data,
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (r *repository) write(
	ctx context.Context,
	bucket, stream string,
	envs []Envelope,
	commit Headers,
	expected ExpectedVersion,
) (Version, error) {
	defer r.opts.metrics.StoreWriteDuration(bucket).ObserveDuration()
	return r.store.WriteEvents(ctx, bucket, stream, envs, commit, expected)
}

func (r *repository) writeMetadata(ctx context.Context, b *BaseAggregate) error {
	md, _ := b.stream.MetadataChanges()
	if err := r.store.WriteMetadata(ctx, b.stream.Bucket(), b.stream.ID(), md); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	b.stream.commitMetadata()
	return nil
}

func (r *repository) saveSnapshot(ctx context.Context, agg Aggregate, commit Headers) error {
	defer r.opts.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()
	snap, err := CreateSnapshot(agg, r.opts.idGenerator())
	if err != nil {
		return err
	}
	s := agg.root().stream
	if _, err := r.store.WriteSnapshot(ctx, s.Bucket(), s.ID(), snap, commit); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

var _ Repository = &repository{}

// === TypedRepository ===

type (
	TypedRepository[T Aggregate] interface {
		GetAggType() string
		// New creates and attaches an aggregate with a generated id.
		New() (T, error)
		NewWithID(id string) (T, error)
		Load(ctx context.Context, a T, opts ...LoadOption) error
		GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		// GetOrNew loads the aggregate or returns a new attached one when
		// its stream is empty.
		GetOrNew(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		Save(ctx context.Context, agg T, opts ...SaveOption) error
	}
)

type typedRepo[T Aggregate] struct {
	r     Repository
	idGen IDGenerator
}

func (t *typedRepo[T]) alloc(id string) T {
	var a T
	rt := reflect.TypeFor[T]()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) New() (T, error) { return t.NewWithID(t.idGen()) }

func (t *typedRepo[T]) NewWithID(id string) (T, error) {
	a := t.alloc(id)
	return a, t.r.Attach(a)
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.alloc(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) GetOrNew(ctx context.Context, aggID string, opts ...LoadOption) (T, error) {
	a, err := t.GetByID(ctx, aggID, opts...)
	if errors.Is(err, ErrAggregateNotFound) {
		return a, nil
	}
	return a, err
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) GetAggType() string { return t.alloc("").GetAggType() }

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *Registry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](NewRepository(log, s, reg, opts...), opts...)
}

// NewTypedRepositoryFrom wraps r. Only WithIDGenerator of opts is used.
func NewTypedRepositoryFrom[T Aggregate](r Repository, opts ...RepositoryOption) TypedRepository[T] {
	return &typedRepo[T]{r: r, idGen: newRepoOpts(opts...).idGenerator}
}
