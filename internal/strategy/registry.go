package strategy

import (
	"fmt"
	"slices"
)

// Registry is the closed set of active strategies, keyed by symbol. It is
// built once at startup and read-only afterwards; per-symbol order is
// registration order, which downstream consumers rely on for deterministic
// tie-breaking.
type Registry struct {
	names    []string
	bySymbol map[string][]Strategy
}

func NewRegistry() *Registry {
	return &Registry{bySymbol: make(map[string][]Strategy)}
}

// Register adds a strategy for the given symbols. Each strategy name may be
// registered only once.
func (r *Registry) Register(s Strategy, symbols ...string) error {
	if slices.Contains(r.names, s.Name()) {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	if len(symbols) == 0 {
		return fmt.Errorf("strategy %q registered with no symbols", s.Name())
	}
	r.names = append(r.names, s.Name())
	for _, sym := range symbols {
		r.bySymbol[sym] = append(r.bySymbol[sym], s)
	}
	return nil
}

// ForSymbol returns the strategies active on a symbol in registration order.
func (r *Registry) ForSymbol(symbol string) []Strategy {
	return r.bySymbol[symbol]
}

// Names returns all registered strategy names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Symbols returns every symbol with at least one strategy.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}
