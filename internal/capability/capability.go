// Package capability is the boundary between the coordinator and the
// agents and tools that implement each step. Capabilities are opaque: the
// coordinator only passes resolved inputs and receives outputs and cost.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknown is returned when no capability is registered under a reference.
var ErrUnknown = errors.New("unknown capability")

// Result is what an invocation returns.
type Result struct {
	Outputs map[string]any
	CostUSD float64
}

// Invoker calls a capability by reference.
type Invoker interface {
	Invoke(ctx context.Context, ref string, inputs map[string]any) (Result, error)
}

// Capability is one invokable agent or tool.
type Capability interface {
	Call(ctx context.Context, inputs map[string]any) (Result, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, inputs map[string]any) (Result, error)

// Call implements Capability.
func (f Func) Call(ctx context.Context, inputs map[string]any) (Result, error) {
	return f(ctx, inputs)
}

// Registry dispatches invocations to registered capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds ref to c, replacing any previous binding.
func (r *Registry) Register(ref string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[ref] = c
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(ref string, fn func(ctx context.Context, inputs map[string]any) (Result, error)) {
	r.Register(ref, Func(fn))
}

// Has reports whether ref is registered.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[ref]
	return ok
}

// Refs returns the registered references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for ref := range r.caps {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Invoke implements Invoker. A nil Outputs map from the capability is
// normalized to an empty map.
func (r *Registry) Invoke(ctx context.Context, ref string, inputs map[string]any) (Result, error) {
	r.mu.RLock()
	c, ok := r.caps[ref]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknown, ref)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res, err := c.Call(ctx, inputs)
	if err != nil {
		return res, err
	}
	if res.Outputs == nil {
		res.Outputs = map[string]any{}
	}
	return res, nil
}
