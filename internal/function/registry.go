// Package function holds the registry of calculation functions a node can
// execute. Numerical content lives outside this repository; the registry
// only maps identifiers to implementations.
package function

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/quasar/internal/domain"
)

// ErrNotFound is returned by Resolve for an unknown function identifier.
// It wraps domain.ErrFatal: a job naming an unknown function is never
// retried.
var ErrNotFound = fmt.Errorf("function not found: %w", domain.ErrFatal)

// ErrDuplicate is returned when registering an identifier twice.
var ErrDuplicate = errors.New("function already registered")

// Inputs are the resolved values handed to a function.
type Inputs struct {
	Target string
	Values map[domain.ValueID][]byte
}

// Value returns the value for id and whether it was supplied.
func (in Inputs) Value(id domain.ValueID) ([]byte, bool) {
	v, ok := in.Values[id]
	return v, ok
}

// Outputs maps produced value ids to their encoded values. Returning a nil
// map means the function produced nothing and is reported as failed.
type Outputs map[domain.ValueID][]byte

// Function is one executable calculation. Execute receives the item's
// inputs and the ids the caller wants back; it may produce more values
// than desired, only required ones are kept.
type Function interface {
	Execute(ctx context.Context, in Inputs, desired []domain.ValueID) (Outputs, error)
}

// Func adapts a plain function to Function.
type Func func(ctx context.Context, in Inputs, desired []domain.ValueID) (Outputs, error)

func (f Func) Execute(ctx context.Context, in Inputs, desired []domain.ValueID) (Outputs, error) {
	return f(ctx, in, desired)
}

// Registry maps function identifiers to implementations. It is built
// explicitly and passed to the nodes that use it.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

// Register adds fn under id.
func (r *Registry) Register(id string, fn Function) error {
	if id == "" {
		return errors.New("function id is required")
	}
	if fn == nil {
		return fmt.Errorf("function %q: nil implementation", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.funcs[id] = fn
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(id string, fn Function) {
	if err := r.Register(id, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the function registered under id.
func (r *Registry) Resolve(id string) (Function, error) {
	r.mu.RLock()
	fn, ok := r.funcs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return fn, nil
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
