package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/aggflow/core/perkey"
)

type (
	dispatcherConfig struct {
		log         *slog.Logger
		maxAttempts int
		retryDelay  time.Duration
		middlewares []HandlerMiddleware
		deadLetter  func(Message, error)
	}
	DispatcherOption func(*dispatcherConfig)
)

func WithLog(log *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.log = log }
}

// WithMaxAttempts bounds deliveries per message (default 1).
func WithMaxAttempts(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.retryDelay = d }
}

// WithMiddlewares wraps the handler; the first middleware runs first.
func WithMiddlewares(mws ...HandlerMiddleware) DispatcherOption {
	return func(c *dispatcherConfig) { c.middlewares = append(c.middlewares, mws...) }
}

// WithDeadLetter is called with messages that failed every attempt.
func WithDeadLetter(fn func(Message, error)) DispatcherOption {
	return func(c *dispatcherConfig) { c.deadLetter = fn }
}

// Dispatcher delivers messages to a handler chain. Messages on the same
// channel are handled one at a time in submission order; a failed message is
// redelivered with an incremented Attempt.
type Dispatcher struct {
	cfg     dispatcherConfig
	log     *slog.Logger
	handler Handler
	sched   *perkey.Scheduler[string]
}

func NewDispatcher(h Handler, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{maxAttempts: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		log:     cfg.log.With(slog.String("component", "dispatcher")),
		handler: Chain(h, cfg.middlewares...),
		sched:   perkey.New[string](),
	}
}

func channelKey(msg Message) string {
	if msg.Channel != "" {
		return "ch:" + msg.Channel
	}
	return "id:" + msg.ID
}

// Dispatch handles msg and returns the error of the last attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	return d.sched.DoContext(ctx, channelKey(msg), func() error {
		return d.deliver(ctx, msg)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	for {
		err := d.handler.Handle(NewMsgCtx(ctx, d.log, msg))
		if err == nil {
			return nil
		}
		if msg.Attempt+1 >= d.cfg.maxAttempts {
			if d.cfg.deadLetter != nil {
				d.cfg.deadLetter(msg, err)
			}
			return err
		}
		d.log.Warn("redeliver", slog.String("msg", msg.ID), slog.Int("attempt", msg.Attempt+1), slog.Any("error", err))
		if serr := sleep(ctx, d.cfg.retryDelay); serr != nil {
			return errors.Join(err, serr)
		}
		msg.Attempt++
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close stops accepting messages and waits for running ones.
func (d *Dispatcher) Close() { d.sched.Close() }
