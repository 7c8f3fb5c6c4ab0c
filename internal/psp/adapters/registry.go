package adapters

import (
	"strings"

	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
)

// Registry resolves provider names to their adapters.
type Registry struct {
	adapters map[string]pspdomain.Adapter
}

func NewRegistry(adapters ...pspdomain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]pspdomain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(adapter.Name()))
		if name == "" {
			continue
		}
		registry.adapters[name] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.adapters[provider]
	return ok
}

func (r *Registry) Get(provider string) (pspdomain.Adapter, error) {
	if r == nil {
		return nil, pspdomain.ErrUnknownProvider
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, pspdomain.ErrUnknownProvider
	}
	return adapter, nil
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
