package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codewandler/aggflow/internal/codec"
)

// MsgCtx is the processing context of one message. During a bulk replay the
// active headers, channel and payload are those of the replayed message.
type MsgCtx struct {
	ctx context.Context
	log *slog.Logger
	msg Message

	headers map[string]string
	channel string
	payload json.RawMessage

	items map[any]any
}

func NewMsgCtx(ctx context.Context, log *slog.Logger, msg Message) *MsgCtx {
	if log == nil {
		log = slog.Default()
	}
	return &MsgCtx{
		ctx: ctx,
		log: log.With(slog.Group("msg",
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
			slog.Int("attempt", msg.Attempt),
		)),
		msg:     msg,
		headers: msg.Headers,
		channel: msg.Channel,
		payload: msg.Payload,
		items:   map[any]any{},
	}
}

func (c *MsgCtx) Context() context.Context { return c.ctx }
func (c *MsgCtx) Log() *slog.Logger        { return c.log }
func (c *MsgCtx) Message() Message         { return c.msg }
func (c *MsgCtx) ID() string               { return c.msg.ID }
func (c *MsgCtx) Intent() Intent           { return c.msg.Intent }
func (c *MsgCtx) Attempt() int             { return c.msg.Attempt }
func (c *MsgCtx) Channel() string          { return c.channel }
func (c *MsgCtx) Payload() json.RawMessage { return c.payload }
func (c *MsgCtx) Header(key string) string { return c.headers[key] }

// Headers returns a copy of the active headers.
func (c *MsgCtx) Headers() map[string]string {
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Type is the type of the active message.
func (c *MsgCtx) Type() string {
	if t := c.headers[HeaderMessageType]; t != "" {
		return t
	}
	return c.msg.Type
}

// ActiveID is the id of the active message.
func (c *MsgCtx) ActiveID() string {
	if id := c.headers[HeaderMessageID]; id != "" {
		return id
	}
	return c.msg.ID
}

// CorrelationID falls back to the active message id.
func (c *MsgCtx) CorrelationID() string {
	if id := c.headers[HeaderCorrelationID]; id != "" {
		return id
	}
	return c.ActiveID()
}

func (c *MsgCtx) Decode(v any) error { return codec.Unmarshal(c.payload, v) }

func (c *MsgCtx) Set(key, value any) { c.items[key] = value }

func (c *MsgCtx) Get(key any) (any, bool) {
	v, ok := c.items[key]
	return v, ok
}

// Activate makes d the active message until restore is called.
func (c *MsgCtx) Activate(d DelayedMessage) (restore func()) {
	headers, channel, payload := c.headers, c.channel, c.payload
	c.headers, c.channel, c.payload = d.Headers, d.Channel, d.Payload
	if c.headers == nil {
		c.headers = map[string]string{}
	}
	return func() {
		c.headers, c.channel, c.payload = headers, channel, payload
	}
}
