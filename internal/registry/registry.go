// Package registry maps stable function names to Go implementations.
// Python's original serializer pickled a callable together with its
// captured environment; Go has no equivalent, so every executable task
// body is registered under a name at process startup, mirroring the
// task-type-string dispatch asynq's ServeMux uses.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Func is a registered task body, taking the positional and keyword
// arguments decoded from the task's envelope and returning a value to be
// encoded as the task result, or an error.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry holds the process-wide name -> Func mapping.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register associates name with fn. Registering the same name twice
// overwrites the previous entry; callers registering from init() should
// use MustRegister to catch accidental collisions instead.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// MustRegister registers fn under name and panics if name is already
// registered. Intended for package-level init() registration where a
// collision is a programming error, not a runtime condition.
func (r *Registry) MustRegister(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("registry: function %q already registered", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the Func registered under name, or false if absent.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns every currently registered function name, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// Default is the process-global registry used by callers that don't
// need an isolated instance (tests typically build their own via New).
var Default = New()

// Register registers fn under name in Default.
func Register(name string, fn Func) { Default.Register(name, fn) }

// MustRegister registers fn under name in Default, panicking on collision.
func MustRegister(name string, fn Func) { Default.MustRegister(name, fn) }

// Lookup resolves name against Default.
func Lookup(name string) (Func, bool) { return Default.Lookup(name) }
