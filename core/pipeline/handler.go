package pipeline

import (
	"log/slog"
	"time"
)

type (
	Handler interface {
		Handle(mc *MsgCtx) error
	}
	HandleFunc           func(mc *MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(mc *MsgCtx, next Handler) error
)

// Chain wraps h so that middlewares[0] runs first.
func Chain(h Handler, middlewares ...HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === handler func ===

func (f HandleFunc) Handle(mc *MsgCtx) error { return f(mc) }

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(mc *MsgCtx) error { return m.mw(mc, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(mc *MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := mc.Log().With(attrs...)

		err = next.Handle(mc)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}
