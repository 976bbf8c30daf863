package provider

import (
	"fmt"

	"github.com/modelgate/modelgate/src/models"
)

// Registry holds the configured provider adapters by provider name.
// Registration happens once at startup; reads are lock-free.
type Registry struct {
	adapters map[string]models.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]models.ProviderAdapter)}
}

// Register adds an adapter under its provider name.
func (r *Registry) Register(a models.ProviderAdapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (models.ProviderAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
