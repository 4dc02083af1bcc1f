// Package venue selects venue adapters by identifier.
package venue

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Registry maps venue ids to adapters. It is populated at start-up and only
// read afterwards.
type Registry struct {
	adapters map[string]domain.VenueAdapter
	mu       sync.RWMutex
}

// NewRegistry returns a Registry holding adapters, keyed by their Name.
func NewRegistry(adapters ...domain.VenueAdapter) *Registry {
	r := &Registry{adapters: make(map[string]domain.VenueAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter with the same name.
func (r *Registry) Register(a domain.VenueAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (domain.VenueAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("venue %q: %w", name, domain.ErrUnknownVenue)
	}
	return a, nil
}

// Names returns registered venue ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
