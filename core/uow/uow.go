package uow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codewandler/aggflow/internal/codec"
)

// UnitOfWork is one cooperating stage of processing a message.
type UnitOfWork interface {
	// Begin is called before the pipeline runs. s stays valid until End
	// returns; changes to s.Bag are persisted after End.
	Begin(ctx context.Context, s *Session) error
	// End is called once after the pipeline with nil on success or with the
	// error that failed the cycle.
	End(ctx context.Context, err error) error
}

// Kind registers a unit of work. Terminal kinds begin first and end last.
type Kind struct {
	Name     string
	Terminal bool
	New      func() UnitOfWork
}

// Session is what a unit of work gets for one message.
type Session struct {
	MessageID string
	Kind      string
	// Bag is the recovery state. It holds what the previous attempt saved,
	// or is empty on the first attempt.
	Bag Bag
	// Retries is the delivery attempt of the message, 0 on first delivery.
	Retries int
	Headers map[string]string
}

// Bag is the durable recovery state of one unit of work.
type Bag map[string]json.RawMessage

func (b Bag) Set(key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("bag %s: %w", key, err)
	}
	b[key] = data
	return nil
}

// Get decodes key into v. ok is false when key is not set.
func (b Bag) Get(key string, v any) (ok bool, err error) {
	data, ok := b[key]
	if !ok {
		return false, nil
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("bag %s: %w", key, err)
	}
	return true, nil
}

func (b Bag) Has(key string) bool {
	_, ok := b[key]
	return ok
}

func (b Bag) Delete(key string) { delete(b, key) }

func (b Bag) Clone() Bag {
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
