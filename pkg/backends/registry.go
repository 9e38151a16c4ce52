package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
)

// Registry holds one backend per enabled provider. The set is fixed at
// construction; lookups are read-only afterwards.
type Registry struct {
	backends map[string]Backend
	logger   *slog.Logger
}

// NewRegistry builds backends for every enabled provider. Providers
// whose backend cannot be constructed are skipped with a warning so
// one bad entry does not take the gateway down.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		backends: make(map[string]Backend),
		logger:   slog.Default(),
	}
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		backend, err := New(p)
		if err != nil {
			r.logger.Warn("Skipping provider backend", "provider", name, "error", err)
			continue
		}
		r.backends[name] = backend
	}
	return r
}

// New builds a single backend from a provider configuration.
func New(p *config.ProviderConfig) (Backend, error) {
	switch p.Backend {
	case models.BackendHTTP:
		if p.HTTP == nil {
			return nil, fmt.Errorf("provider %s has no http configuration", p.Name)
		}
		return NewHTTPBackend(p), nil
	case models.BackendCLI:
		if p.CLI == nil {
			return nil, fmt.Errorf("provider %s has no cli configuration", p.Name)
		}
		return NewCLIBackend(p), nil
	case models.BackendCLIInteractive:
		if p.CLI == nil {
			return nil, fmt.Errorf("provider %s has no cli configuration", p.Name)
		}
		return NewInteractiveCLIBackend(p), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q for provider %s", p.Backend, p.Name)
	}
}

// Get returns the backend for a provider name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the sorted provider names with a live backend.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// ShutdownAll shuts every backend down, logging failures.
func (r *Registry) ShutdownAll(ctx context.Context) {
	for name, backend := range r.backends {
		if err := backend.Shutdown(ctx); err != nil {
			r.logger.Warn("Backend shutdown failed", "provider", name, "error", err)
		}
	}
}
