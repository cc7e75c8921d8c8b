package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps executor names to implementations.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	defaultName string
}

// NewRegistry creates an empty registry. Promises that name no executor are
// resolved to defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		executors:   make(map[string]Executor),
		defaultName: defaultName,
	}
}

// Register adds or replaces the executor registered under name.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// DefaultName returns the name used for promises that name no executor.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Has reports whether name (or the default, for "") resolves.
func (r *Registry) Has(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the executor registered under name. An unknown name yields
// a permanent ErrUnknownExecutor.
func (r *Registry) Resolve(name string) (Executor, error) {
	if name == "" {
		name = r.defaultName
	}
	r.mu.RLock()
	e, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownExecutor, name))
	}
	return e, nil
}
