package uow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/codewandler/aggflow/core/perkey"
	"github.com/codewandler/aggflow/ports/kv"
)

// SavedBag is a bag left over from an earlier attempt.
type SavedBag struct {
	Kind string
	Bag  Bag
}

// BagStore persists bags per message id and kind. Implementations must be
// atomic per message id.
type BagStore interface {
	// Remove fetches and deletes all bags of msgID.
	Remove(ctx context.Context, msgID string) ([]SavedBag, error)
	// Save upserts the bag of one kind.
	Save(ctx context.Context, msgID, kind string, bag Bag) error
}

type (
	kvBagStoreConfig struct {
		prefix string
		ttl    time.Duration
	}
	KVBagStoreOption func(*kvBagStoreConfig)
)

// WithKeyPrefix sets the key prefix (default "uow.bags.").
func WithKeyPrefix(p string) KVBagStoreOption {
	return func(c *kvBagStoreConfig) { c.prefix = p }
}

// WithBagTTL expires bags of messages that are never redelivered.
func WithBagTTL(ttl time.Duration) KVBagStoreOption {
	return func(c *kvBagStoreConfig) { c.ttl = ttl }
}

// KVBagStore keeps all bags of a message in one kv entry. Read-modify-write
// cycles are serialized per message id.
type KVBagStore struct {
	cfg   kvBagStoreConfig
	store kv.Store
	sched *perkey.Scheduler[string]
}

func NewKVBagStore(store kv.Store, opts ...KVBagStoreOption) *KVBagStore {
	cfg := kvBagStoreConfig{prefix: "uow.bags."}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &KVBagStore{cfg: cfg, store: store, sched: perkey.New[string]()}
}

// NewMemBagStore returns a KVBagStore over an in-memory kv store.
func NewMemBagStore() *KVBagStore { return NewKVBagStore(kv.NewMemStore()) }

func (s *KVBagStore) key(msgID string) string { return s.cfg.prefix + msgID }

// Remove waits for its task even when ctx is done, so the bags it deletes are
// always handed back. A cancelled ctx can only fail the store calls, and
// then nothing is deleted.
func (s *KVBagStore) Remove(ctx context.Context, msgID string) ([]SavedBag, error) {
	var out []SavedBag
	err := s.sched.Do(msgID, func() error {
		bags, err := kv.Get[map[string]Bag](ctx, s.store, s.key(msgID))
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, s.key(msgID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		kinds := make([]string, 0, len(bags))
		for k := range bags {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			out = append(out, SavedBag{Kind: k, Bag: bags[k]})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove bags %s: %w", msgID, err)
	}
	return out, nil
}

func (s *KVBagStore) Save(ctx context.Context, msgID, kind string, bag Bag) error {
	err := s.sched.Do(msgID, func() error {
		bags, err := kv.GetOrZero[map[string]Bag](ctx, s.store, s.key(msgID))
		if err != nil {
			return err
		}
		if bags == nil {
			bags = map[string]Bag{}
		}
		if bag == nil {
			bag = Bag{}
		}
		bags[kind] = bag
		return kv.Put(ctx, s.store, s.key(msgID), bags, kv.PutOptions{TTL: s.cfg.ttl})
	})
	if err != nil {
		return fmt.Errorf("save bag %s/%s: %w", msgID, kind, err)
	}
	return nil
}

var _ BagStore = (*KVBagStore)(nil)
