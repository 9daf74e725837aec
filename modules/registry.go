package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/halcore/messaging"
)

// CoreAPIVersion is the module API version this core implements. Factories
// declare the versions they work with as a semver constraint.
const CoreAPIVersion = "1.2.0"

// Constructor builds a module from its environment.
type Constructor func(env Env) (messaging.Module, error)

// Factory describes how to build one kind of module.
type Factory struct {
	Constructor Constructor
	// APIVersion is a semver constraint, such as "^1.0", checked against
	// CoreAPIVersion. Empty accepts any version.
	APIVersion  string
	Description string
}

// Registry maps factory names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory. Registering a name twice or a factory without a
// constructor is a programming error and panics.
func (r *Registry) Register(name string, f Factory) {
	if name == "" {
		panic("modules: factory name cannot be empty")
	}
	if f.Constructor == nil {
		panic(fmt.Sprintf("modules: factory %q has no constructor", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("modules: factory %q registered twice", name))
	}
	r.factories[name] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered factory names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
