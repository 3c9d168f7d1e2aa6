// Package outbox stages outbound messages while a message is handled and
// delivers them once every other unit of work has committed.
package outbox

import (
	"context"
	"log/slog"
	"slices"
	"strconv"

	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/core/uow"
)

const (
	KindName = "outbox"

	bagDelivered = "delivered"
)

// Transport hands a message to the outside world. Deliver may be called
// again with the same message id after a failure.
type Transport interface {
	Deliver(ctx context.Context, msg pipeline.Message) error
}

// Kind registers the outbox. It is terminal so that it ends after the units
// whose changes the staged messages announce.
func Kind(t Transport, log *slog.Logger) uow.Kind {
	if log == nil {
		log = slog.Default()
	}
	return uow.Kind{
		Name:     KindName,
		Terminal: true,
		New:      func() uow.UnitOfWork { return New(t, log) },
	}
}

type Unit struct {
	transport Transport
	log       *slog.Logger
	session   *uow.Session
	staged    []pipeline.Message
	seq       map[string]int
	delivered map[string]bool
}

func New(t Transport, log *slog.Logger) *Unit {
	return &Unit{
		transport: t,
		log:       log.With(slog.String("uow", KindName)),
		seq:       map[string]int{},
		delivered: map[string]bool{},
	}
}

// From returns the outbox active for mc.
func From(mc *pipeline.MsgCtx) (*Unit, error) { return uow.Lookup[*Unit](mc, KindName) }

func (u *Unit) Begin(_ context.Context, s *uow.Session) error {
	u.session = s
	var ids []string
	if _, err := s.Bag.Get(bagDelivered, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		u.delivered[id] = true
	}
	return nil
}

// Send stages a message of msgType caused by the active message of mc. The
// id is "<active id>/<n>" unless opts set one, so a retried handler stages
// the same ids again.
func Send(mc *pipeline.MsgCtx, msgType string, payload any, opts ...pipeline.MessageOption) error {
	u, err := From(mc)
	if err != nil {
		return err
	}
	return u.stage(mc, msgType, payload, opts...)
}

func (u *Unit) stage(mc *pipeline.MsgCtx, msgType string, payload any, opts ...pipeline.MessageOption) error {
	active := mc.ActiveID()
	u.seq[active]++
	base := []pipeline.MessageOption{
		pipeline.WithID(active + "/" + strconv.Itoa(u.seq[active])),
		pipeline.WithHeader(pipeline.HeaderCorrelationID, mc.CorrelationID()),
		pipeline.WithHeader(pipeline.HeaderCausationID, active),
	}
	msg, err := pipeline.NewMessage(msgType, payload, append(base, opts...)...)
	if err != nil {
		return err
	}
	u.staged = append(u.staged, msg)
	return nil
}

// Staged returns the messages staged so far.
func (u *Unit) Staged() []pipeline.Message { return append([]pipeline.Message(nil), u.staged...) }

func (u *Unit) End(ctx context.Context, err error) error {
	if err != nil {
		if len(u.staged) > 0 {
			u.log.Debug("dropping staged messages", slog.Int("count", len(u.staged)), slog.Any("cause", err))
		}
		u.staged = nil
		return nil
	}

	for _, msg := range u.staged {
		if u.delivered[msg.ID] {
			u.log.Debug("skip, delivered by an earlier attempt", slog.String("id", msg.ID))
			continue
		}
		if err := u.transport.Deliver(ctx, msg); err != nil {
			return err
		}
		u.delivered[msg.ID] = true
		if err := u.session.Bag.Set(bagDelivered, u.deliveredIDs()); err != nil {
			return err
		}
	}
	u.staged = nil
	return nil
}

func (u *Unit) deliveredIDs() []string {
	out := make([]string, 0, len(u.delivered))
	for id := range u.delivered {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
