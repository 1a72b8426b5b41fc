// Package registry keeps the node's joined networks (taps) and the status
// component providers the control plane collects from.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/st-keller/vnet/component"
)

// Components holds the status providers.
type Components struct {
	mu        sync.Mutex
	providers map[string]component.Provider
}

// NewComponents creates an empty provider registry.
func NewComponents() *Components {
	return &Components{providers: make(map[string]component.Provider)}
}

// Register adds a provider under id.
func (r *Components) Register(id string, provider component.Provider) error {
	if id == "" {
		return fmt.Errorf("component id required")
	}
	if provider == nil {
		return fmt.Errorf("provider required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providers[id] != nil {
		return fmt.Errorf("component %s already registered", id)
	}
	r.providers[id] = provider
	return nil
}

// Collect calls the provider of id and returns its component. Unchanged
// data yields an unchanged checksum.
func (r *Components) Collect(id string) (component.Component, error) {
	r.mu.Lock()
	provider := r.providers[id]
	r.mu.Unlock()
	if provider == nil {
		return component.Component{}, fmt.Errorf("component %s not registered", id)
	}

	// providers may take their own locks; call outside ours.
	comp, err := component.New(id, provider())
	if err != nil {
		return component.Component{}, fmt.Errorf("failed to marshal component %s: %w", id, err)
	}
	return comp, nil
}

// IDs returns the registered component ids, sorted.
func (r *Components) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
