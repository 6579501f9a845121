package closure

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/duke-git/lancet/v2/maputil"
)

// Func is the signature of every transportable function.
type Func func(ctx context.Context, env *Env, args ...any) (any, error)

// Registry maps function names to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by Define.
func Default() *Registry {
	return defaultRegistry
}

// Define registers fn under name. It panics if name is empty or already
// taken, since both are programming errors caught at init time.
func (r *Registry) Define(name string, fn Func) *Definition {
	if name == "" {
		panic("closure: empty function name")
	}
	if fn == nil {
		panic(fmt.Sprintf("closure: nil function for %q", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("closure: function %q already defined", name))
	}
	r.funcs[name] = fn
	return &Definition{name: name, registry: r}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := maputil.Keys(r.funcs)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Define registers fn in the default registry.
func Define(name string, fn Func) *Definition {
	return defaultRegistry.Define(name, fn)
}

// Definition is a registered function that can be bound to environments.
type Definition struct {
	name     string
	registry *Registry
}

// Name returns the registered name.
func (d *Definition) Name() string {
	return d.name
}

// Bind creates a closure of d over env. The map is copied; values are plain
// data or *Closure.
func (d *Definition) Bind(env map[string]any) *Closure {
	values := make(map[string]any, len(env))
	for k, v := range env {
		values[k] = v
	}
	return &Closure{
		name:     d.name,
		env:      &Env{values: values},
		registry: d.registry,
	}
}
