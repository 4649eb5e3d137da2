package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds an agent instance from its serialized init arguments. Spawn
// specs and checkpoints reference behaviors by kind, never by code.
type Factory func(initArgs json.RawMessage) (Agent, error)

// Registry maps agent kind names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a kind name to a factory. Re-registering a kind replaces
// the previous factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New instantiates an agent of the given kind.
func (r *Registry) New(kind string, initArgs json.RawMessage) (Agent, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return factory(initArgs)
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// defaultRegistry backs the package-level registration used by main.
var defaultRegistry = NewRegistry()

// Register binds a kind in the default registry.
func Register(kind string, factory Factory) {
	defaultRegistry.Register(kind, factory)
}

// New instantiates a kind from the default registry.
func New(kind string, initArgs json.RawMessage) (Agent, error) {
	return defaultRegistry.New(kind, initArgs)
}

// Kinds lists the kinds in the default registry.
func Kinds() []string {
	return defaultRegistry.Kinds()
}
