// Package strategy defines the position sizing interface and a Registry for
// looking strategies up by name.
package strategy

import (
	"fmt"
	"sort"

	"factorlab/internal/panel"
)

// Strategy maps one date's signal cross-section to portfolio weights.
//
// Implementations must be stateless between calls: the backtest engine owns
// all temporal state and may call Position concurrently for different dates.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Position returns one weight per instrument of cs, in cs order.
	// Unselected and missing instruments get weight 0.
	Position(cs panel.CrossSection) ([]float64, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get with an error naming the known strategies on a miss.
func (r *Registry) Lookup(name string) (Strategy, error) {
	if s, ok := r.strategies[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, r.List())
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
