package handler

import (
	"context"
	"sort"
	"sync"
)

// Func is a registered function handler. params is the task's stored
// parameter map; the returned value becomes the execution result data.
type Func func(ctx context.Context, params map[string]any) (any, error)

// Registry maps symbolic function names to callables. The application fills
// it at startup; lookups of unknown names fail per attempt, not at startup,
// so a task can be persisted before its implementation is deployed.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register binds name to fn, replacing any previous binding. A nil fn removes it.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.funcs, name)
		return
	}
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
