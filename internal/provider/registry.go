package provider

import (
	"fmt"
	"sync"

	"github.com/veldra/calhub/internal/model"
)

// Registry maps provider kinds to adapters. Kinds form a closed set; asking
// for an unregistered or unknown kind is an error, never a silent default.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ProviderKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.ProviderKind]Adapter)}
}

func (r *Registry) Register(kind model.ProviderKind, a Adapter) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown provider kind %q", kind)
	}
	if a == nil {
		return fmt.Errorf("nil adapter for provider %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[kind]; dup {
		return fmt.Errorf("adapter already registered for provider %q", kind)
	}
	r.adapters[kind] = a
	return nil
}

func (r *Registry) Get(kind model.ProviderKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", kind)
	}
	return a, nil
}

func (r *Registry) Kinds() []model.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.ProviderKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}
