package uow

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds the unit of work kinds taking part in every cycle.
type Registry struct {
	mu    sync.RWMutex
	kinds []Kind
}

func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(k Kind) error {
	if k.Name == "" || k.New == nil {
		return errors.New("kind needs a name and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.kinds {
		if existing.Name == k.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateKind, k.Name)
		}
	}
	r.kinds = append(r.kinds, k)
	return nil
}

// Discover returns terminal kinds first, then the others. Within each group
// kinds keep their registration order.
func (r *Registry) Discover() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		if k.Terminal {
			out = append(out, k)
		}
	}
	for _, k := range r.kinds {
		if !k.Terminal {
			out = append(out, k)
		}
	}
	return out
}
