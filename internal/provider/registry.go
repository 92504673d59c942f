package provider

import (
	"errors"
	"fmt"
	"sync"

	"feathergate/internal/models"
)

// Registry is the capability table mapping a provider tag to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Provider]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.Provider]Adapter),
	}
}

// Register adds an adapter under its provider tag.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Provider()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.Provider())
	}
	r.adapters[a.Provider()] = a
	return nil
}

// Lookup returns the adapter serving the given provider tag.
func (r *Registry) Lookup(p models.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, p)
	}
	return a, nil
}

// Providers lists the registered provider tags.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Provider, 0, len(r.adapters))
	for _, p := range models.KnownProviders {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
