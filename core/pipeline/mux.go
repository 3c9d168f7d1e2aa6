package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoHandler = errors.New("no handler")

// Mux routes messages to handlers by message type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux { return &Mux{handlers: map[string]Handler{}} }

func (m *Mux) Handle(msgType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

func (m *Mux) HandleFunc(msgType string, f HandleFunc) { m.Handle(msgType, f) }

// Serve dispatches mc to the handler of its active type.
func (m *Mux) Serve(mc *MsgCtx) error {
	m.mu.RLock()
	h, ok := m.handlers[mc.Type()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, mc.Type())
	}
	return h.Handle(mc)
}

// Handler returns the mux as a Handler.
func (m *Mux) Handler() Handler { return HandleFunc(m.Serve) }

// On registers a handler that receives the decoded payload.
func On[T any](m *Mux, msgType string, fn func(mc *MsgCtx, payload *T) error) {
	m.HandleFunc(msgType, func(mc *MsgCtx) error {
		p := new(T)
		if err := mc.Decode(p); err != nil {
			return fmt.Errorf("decode %s: %w", msgType, err)
		}
		return fn(mc, p)
	})
}
