// Package steps provides step implementations and the kind-keyed registry
// the runner resolves step definitions through.
package steps

import (
	"fmt"
	"sync"

	"github.com/avisto/stepline/pkg/api"
)

// Factory builds a Step for a concrete definition. It may fail when the
// definition references something the factory does not know, for example an
// unregistered service name.
type Factory func(def api.StepDefinition) (api.Step, error)

// Registry resolves step definitions via a lookup table keyed by kind
// string, one factory per step kind. It implements api.StepProvider.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ api.StepProvider = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs the factory for a step kind, replacing any previous one.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Resolve builds the step for def, or fails for unknown kinds. The runner
// records such failures as failed step results.
func (r *Registry) Resolve(def api.StepDefinition) (api.Step, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step kind: %s", def.Kind)
	}
	return factory(def)
}

// Kinds returns the registered step kinds, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
