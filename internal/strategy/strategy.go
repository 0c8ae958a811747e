// Package strategy defines the Strategy interface for signal generation and
// provides a Registry for managing multiple strategy implementations.
// Strategies produce intents; sizing and risk gating stay with the engine.
package strategy

import (
	"context"
	"sort"

	"helmsman/internal/domain"
)

// Strategy is the interface all signal generators implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup before the strategy receives data.
	Init(ctx context.Context) error

	// OnBar consumes one OHLCV bar and returns zero or more signals.
	OnBar(ctx context.Context, bar domain.Bar) ([]domain.Signal, error)
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

// Get retrieves a strategy by name. The second return value indicates
// whether the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
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
