// Package kv is the key/value port used for durable per-message state.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/aggflow/internal/codec"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the entry after the given duration. Zero keeps it forever.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.Unmarshal(entry.Data, &out)
	return
}

// GetOrZero is Get, but a missing key yields the zero value and no error.
func GetOrZero[T any](ctx context.Context, store Store, key string) (out T, err error) {
	out, err = Get[T](ctx, store, key)
	if errors.Is(err, ErrNotFound) {
		return out, nil
	}
	return
}
