// Package strategy defines the Source interface for signal producers and
// provides a Registry for managing multiple sources.
package strategy

import (
	"context"
	"sort"

	"kistrader/internal/domain"
)

// Source produces trading signals for the engine. Implementations own their
// production cadence; the engine consumes every source's channel until the
// context is cancelled.
type Source interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Run starts signal production, sending onto out until ctx is cancelled.
	// It returns when production stops.
	Run(ctx context.Context, out chan<- domain.Signal) error
}

// Registry holds a named collection of sources for lookup and enumeration.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates an empty source Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds a source to the registry, keyed by its Name().
func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

// Get retrieves a source by name. The second return value indicates whether
// the source was found.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// List returns a sorted slice of all registered source names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
