package container

import (
	"context"

	"go.uber.org/zap"

	"edgehost/pkg/errors"
	"edgehost/registry"
)

// Provider produces one named capability for a service assembly. Providers
// run in declaration order; each may resolve capabilities supplied by
// earlier providers and may register release hooks on the Assembly.
type Provider func(ctx context.Context, a *Assembly) (registry.Binding, error)

// Provide builds a Provider for a typed tag.
func Provide[T any](tag registry.Tag[T], build func(ctx context.Context, a *Assembly) (T, error)) Provider {
	return func(ctx context.Context, a *Assembly) (registry.Binding, error) {
		value, err := build(ctx, a)
		if err != nil {
			return registry.Binding{}, errors.Wrap(err, "provider "+tag.Name())
		}
		return registry.Bind(tag, value), nil
	}
}

// Supply builds a Provider for a value that needs no construction.
func Supply[T any](tag registry.Tag[T], value T) Provider {
	return func(ctx context.Context, a *Assembly) (registry.Binding, error) {
		return registry.Bind(tag, value), nil
	}
}

// Blueprint describes a service assembly: an ordered set of capability
// providers that a Container materializes exactly once. Blueprints are
// immutable; With returns an extended copy so that adapters can attach
// logic-specific requirements without mutating the shared blueprint.
type Blueprint struct {
	name      string
	providers []Provider
}

// NewBlueprint creates a blueprint with the given diagnostic name.
func NewBlueprint(name string, providers ...Provider) *Blueprint {
	return &Blueprint{name: name, providers: providers}
}

// Name returns the blueprint's diagnostic name.
func (b *Blueprint) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

// With returns a new blueprint whose providers run after b's.
func (b *Blueprint) With(providers ...Provider) *Blueprint {
	merged := make([]Provider, 0, len(b.providers)+len(providers))
	merged = append(merged, b.providers...)
	merged = append(merged, providers...)
	return &Blueprint{name: b.name, providers: merged}
}

// Assembly is the materialization session a Provider runs inside. It gives
// providers access to capabilities assembled so far, to the shared assembly
// cache when one is configured, and to release-hook registration.
type Assembly struct {
	log      *zap.Logger
	cache    *AssemblyCache
	bindings []registry.Binding
	reg      *registry.Registry
	releases []func(context.Context) error
}

// OnRelease registers a hook that the owning container runs exactly once
// during teardown, in reverse registration order.
func (a *Assembly) OnRelease(fn func(context.Context) error) {
	if fn == nil {
		return
	}
	a.releases = append(a.releases, fn)
}

// Logger returns the container's logger for use during materialization.
func (a *Assembly) Logger() *zap.Logger {
	return a.log
}

// Shared materializes a named sub-assembly through the container's shared
// assembly cache, deduplicating overlapping work across containers in the
// same process. Without a configured cache the build runs directly.
func (a *Assembly) Shared(ctx context.Context, name string, build func(ctx context.Context) (any, error)) (any, error) {
	if a.cache == nil {
		return build(ctx)
	}
	return a.cache.Materialize(ctx, name, build)
}

// Resolve looks up a capability produced by an earlier provider in the
// same assembly.
func Resolve[T any](a *Assembly, tag registry.Tag[T]) (T, error) {
	return registry.Get(a.reg, tag)
}

// run materializes the blueprint, producing the assembled registry and the
// accumulated release hooks. The registry is rebuilt after every provider
// so later providers can resolve earlier capabilities.
func (b *Blueprint) run(ctx context.Context, log *zap.Logger, cache *AssemblyCache) (*registry.Registry, []func(context.Context) error, error) {
	a := &Assembly{log: log, cache: cache, reg: registry.New()}
	for _, provide := range b.providers {
		binding, err := provide(ctx, a)
		if err != nil {
			return nil, a.releases, errors.NewAssembly("materializing assembly "+b.name, err)
		}
		a.bindings = append(a.bindings, binding)
		a.reg = registry.New(a.bindings...)
	}
	return a.reg, a.releases, nil
}
