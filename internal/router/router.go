package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"feathergate/internal/models"
	"feathergate/internal/provider"
)

// Router resolves logical model names to their configuration and adapter.
// It is immutable after New and safe for concurrent use without locking.
type Router struct {
	entries  map[string]models.ModelConfig
	order    []string
	adapters map[models.Provider]provider.Adapter
}

// New builds a router over configs, snapshotting the adapters registered in registry.
func New(configs []models.ModelConfig, registry *provider.Registry) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}

	r := &Router{
		entries:  make(map[string]models.ModelConfig, len(configs)),
		order:    make([]string, 0, len(configs)),
		adapters: make(map[models.Provider]provider.Adapter),
	}

	for _, p := range registry.Providers() {
		a, err := registry.Lookup(p)
		if err != nil {
			return nil, err
		}
		r.adapters[p] = a
	}

	for _, cfg := range configs {
		if strings.TrimSpace(cfg.LogicalName) == "" {
			return nil, errors.New("model name must not be empty")
		}
		if _, exists := r.entries[cfg.LogicalName]; exists {
			return nil, fmt.Errorf("duplicate model name %q", cfg.LogicalName)
		}
		if _, ok := r.adapters[cfg.Provider]; !ok {
			slog.Warn("model references a provider without an adapter", "model", cfg.LogicalName, "provider", cfg.Provider)
		}
		r.entries[cfg.LogicalName] = cfg
		r.order = append(r.order, cfg.LogicalName)
	}

	return r, nil
}

// Resolve returns the configuration and adapter for a logical model name.
func (r *Router) Resolve(logicalName string) (models.ModelConfig, provider.Adapter, error) {
	if logicalName == "" {
		return models.ModelConfig{}, nil, fmt.Errorf("%w: model name is empty", provider.ErrModelNotFound)
	}

	cfg, ok := r.entries[logicalName]
	if !ok {
		return models.ModelConfig{}, nil, fmt.Errorf("%w: %s", provider.ErrModelNotFound, logicalName)
	}

	adapter, ok := r.adapters[cfg.Provider]
	if !ok {
		return models.ModelConfig{}, nil, fmt.Errorf("%w: %q for model %s", provider.ErrUnsupportedProvider, cfg.Provider, logicalName)
	}
	return cfg, adapter, nil
}

// Models returns the configured models in configuration order.
func (r *Router) Models() []models.ModelConfig {
	out := make([]models.ModelConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}
