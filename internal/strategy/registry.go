package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownStrategy reports a name with no registered factory.
var ErrUnknownStrategy = errors.New("strategy not found")

// Factory builds a fresh strategy instance.
type Factory func() (Strategy, error)

// Registry maps strategy names to factories. Names ending in .js or .mjs resolve to
// script strategies loaded from disk.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register("sma", func() (Strategy, error) { return NewSMA(), nil })
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return errors.New("strategy registry: name required")
	}
	if factory == nil {
		return fmt.Errorf("strategy registry: factory for %q required", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("strategy registry: duplicate strategy %q", key)
	}
	r.factories[key] = factory
	return nil
}

// New builds the strategy registered as name, or loads name as a script file.
func (r *Registry) New(name string) (Strategy, error) {
	trimmed := strings.TrimSpace(name)
	if isScriptPath(trimmed) {
		return LoadScript(trimmed)
	}
	key := strings.ToLower(trimmed)
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, trimmed)
	}
	return factory()
}

// Names lists registered strategy names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isScriptPath(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}
