// Package esuow is the unit of work that saves the aggregates touched while
// a message is handled.
package esuow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
)

const (
	KindName = "es"

	// bag key mapping streams saved by an earlier attempt to the version
	// they had before that save
	bagCommitted = "committed"

	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderAttempt       = "attempt"
)

// Kind registers the unit. It is not terminal.
func Kind(repo es.Repository, log *slog.Logger) uow.Kind {
	if log == nil {
		log = slog.Default()
	}
	return uow.Kind{
		Name: KindName,
		New:  func() uow.UnitOfWork { return New(repo, log) },
	}
}

// Unit tracks aggregates by stream and saves them when the cycle succeeds.
type Unit struct {
	repo      es.Repository
	log       *slog.Logger
	session   *uow.Session
	order     []string
	tracked   map[string]es.Aggregate
	committed map[string]es.Version
}

func New(repo es.Repository, log *slog.Logger) *Unit {
	return &Unit{
		repo:      repo,
		log:       log.With(slog.String("uow", KindName)),
		tracked:   map[string]es.Aggregate{},
		committed: map[string]es.Version{},
	}
}

// From returns the unit active for mc.
func From(mc *pipeline.MsgCtx) (*Unit, error) { return uow.Lookup[*Unit](mc, KindName) }

func (u *Unit) Begin(_ context.Context, s *uow.Session) error {
	u.session = s
	if _, err := s.Bag.Get(bagCommitted, &u.committed); err != nil {
		return err
	}
	if u.committed == nil {
		u.committed = map[string]es.Version{}
	}
	return nil
}

func trackKey(s *es.EventStream) string { return s.Bucket() + "/" + s.ID() }

// Track attaches agg if needed and saves it with the cycle. Tracking a
// second instance of a tracked stream fails.
func (u *Unit) Track(agg es.Aggregate) error {
	if es.StreamOf(agg) == nil {
		if err := u.repo.Attach(agg); err != nil {
			return err
		}
	}
	k := trackKey(es.StreamOf(agg))
	if existing, ok := u.tracked[k]; ok {
		if existing != agg {
			return fmt.Errorf("stream %s is already tracked", es.StreamOf(agg).ID())
		}
		return nil
	}
	u.tracked[k] = agg
	u.order = append(u.order, k)
	return nil
}

// Load hydrates agg from the store and tracks it.
func (u *Unit) Load(ctx context.Context, agg es.Aggregate) error {
	if es.StreamOf(agg) == nil {
		if err := u.repo.Attach(agg); err != nil {
			return err
		}
	}
	if err := u.repo.Load(ctx, agg, u.LoadOptions(es.StreamOf(agg))...); err != nil {
		return err
	}
	return u.Track(agg)
}

// LoadOptions returns the options to load stream with. A stream saved by an
// earlier attempt is loaded as it was before that save, so the handler sees
// the state it saw the first time.
func (u *Unit) LoadOptions(s *es.EventStream) []es.LoadOption {
	if v, ok := u.committed[trackKey(s)]; ok {
		return []es.LoadOption{es.WithUntil(v)}
	}
	return nil
}

// Tracked returns the tracked instance of stream in bucket.
func (u *Unit) Tracked(bucket, stream string) (es.Aggregate, bool) {
	agg, ok := u.tracked[bucket+"/"+stream]
	return agg, ok
}

func (u *Unit) End(ctx context.Context, err error) error {
	if err != nil {
		u.log.Debug("dropping tracked aggregates", slog.Int("count", len(u.order)), slog.Any("cause", err))
		for _, k := range u.order {
			es.Rollback(u.tracked[k])
		}
		return nil
	}

	headers := es.Headers{
		HeaderMessageID:     u.session.MessageID,
		HeaderCorrelationID: u.session.Headers[pipeline.HeaderCorrelationID],
		HeaderAttempt:       strconv.Itoa(u.session.Retries),
	}
	for _, k := range u.order {
		agg := u.tracked[k]
		if _, ok := u.committed[k]; ok {
			u.log.Debug("skip, saved by an earlier attempt", slog.String("stream", k))
			continue
		}
		s := es.StreamOf(agg)
		if !s.HasChanges() {
			continue
		}
		base := s.Version()
		if err := u.repo.Save(ctx, agg, es.WithCommitHeaders(headers)); err != nil {
			return err
		}
		u.committed[k] = base
		if err := u.session.Bag.Set(bagCommitted, u.committed); err != nil {
			return err
		}
	}
	return nil
}

// Get loads the aggregate of type T with id and tracks it. A stream tracked
// earlier in the cycle is returned as is.
func Get[T es.Aggregate](mc *pipeline.MsgCtx, repo es.TypedRepository[T], id string) (T, error) {
	return get(mc, repo, id, false)
}

// GetOrNew is Get, but a missing aggregate is created and tracked.
func GetOrNew[T es.Aggregate](mc *pipeline.MsgCtx, repo es.TypedRepository[T], id string) (T, error) {
	return get(mc, repo, id, true)
}

func get[T es.Aggregate](mc *pipeline.MsgCtx, repo es.TypedRepository[T], id string, create bool) (T, error) {
	var zero T
	u, err := From(mc)
	if err != nil {
		return zero, err
	}
	probe, err := repo.NewWithID(id)
	if err != nil {
		return zero, err
	}
	ps := es.StreamOf(probe)
	if agg, ok := u.Tracked(ps.Bucket(), ps.ID()); ok {
		t, ok := agg.(T)
		if !ok {
			return zero, fmt.Errorf("stream %s is tracked as %T", ps.ID(), agg)
		}
		return t, nil
	}
	agg := probe
	if err := repo.Load(mc.Context(), agg, u.LoadOptions(ps)...); err != nil {
		if !create || !errors.Is(err, es.ErrAggregateNotFound) {
			return zero, err
		}
	}
	if err := u.Track(agg); err != nil {
		return zero, err
	}
	return agg, nil
}
