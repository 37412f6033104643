// Package binder turns persisted module sources into implementation handles.
//
// A Registry maps a source's Type to a Factory. Whatever runs the module body
// (a compiled-in strategy, an embedded interpreter, a subprocess) is hidden
// behind the factory; the host only sees the capability interface of the
// module's kind.
package binder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/policyhost/module"
)

var (
	// ErrUnknownType is returned when no factory is registered for a source.
	ErrUnknownType = errors.New("binder: unknown module type")
	// ErrMissingCapability is returned when a factory produced a handle that
	// does not implement its kind's capability.
	ErrMissingCapability = errors.New("binder: missing capability")
)

// Binder produces the implementation handle of a module source.
type Binder interface {
	Bind(ctx context.Context, src module.Source) (any, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, src module.Source) (any, error)

func (f BinderFunc) Bind(ctx context.Context, src module.Source) (any, error) {
	return f(ctx, src)
}

// Factory builds a handle for one module type.
type Factory func(ctx context.Context, src module.Source) (any, error)

// Registry is a Binder dispatching on module.Source.Type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for typ. Types are case-insensitive and may only
// be registered once.
func (r *Registry) Register(typ string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(typ))
	if key == "" {
		return errors.New("binder: empty module type")
	}
	if f == nil {
		return fmt.Errorf("binder: nil factory for %q", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("binder: module type %q already registered", typ)
	}
	r.factories[key] = f
	return nil
}

// MustRegister is Register for package initialization; it panics on error.
func (r *Registry) MustRegister(typ string, f Factory) {
	if err := r.Register(typ, f); err != nil {
		panic(err)
	}
}

// Types lists the registered module types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Bind runs the factory for src.Type and checks that the result provides the
// capability required by src.Kind. A panicking factory is reported as an
// error.
func (r *Registry) Bind(ctx context.Context, src module.Source) (impl any, err error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(src.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for module %q", ErrUnknownType, src.Type, src.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			impl = nil
			err = fmt.Errorf("binder: module %q: %w", src.Name, &module.PanicError{Value: rec})
		}
	}()

	impl, err = f(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("binder: module %q: %w", src.Name, err)
	}
	if cerr := module.CheckCapability(src.Kind, impl); cerr != nil {
		return nil, fmt.Errorf("%w: module %q: %v", ErrMissingCapability, src.Name, cerr)
	}
	return impl, nil
}

var _ Binder = (*Registry)(nil)
