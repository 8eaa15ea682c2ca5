// Package adapter translates host-native entrypoint invocations into
// executions of capability-based business logic.
//
// Each event kind (fetch, scheduled, queue, message, tail) has an adapter
// that shares the same pipeline: resolve the built entrypoint through the
// container's handler cache, layer an isolated per-invocation overlay over
// the materialized assembly, execute the logic, and map the outcome back to
// the shape the host expects.
package adapter

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/pkg/observability"
	"edgehost/registry"
)

// Event kind names, used for logs and metric labels.
const (
	KindFetch     = "fetch"
	KindScheduled = "scheduled"
	KindQueue     = "queue"
	KindMessage   = "message"
	KindTail      = "tail"
)

// Bindings is an invocation's environment-bindings map.
type Bindings map[string]string

// Get returns the binding for key.
func (b Bindings) Get(key string) (string, bool) {
	v, ok := b[key]
	return v, ok
}

// GetDefault returns the binding for key, or fallback when unset.
func (b Bindings) GetDefault(key, fallback string) string {
	if v, ok := b[key]; ok {
		return v
	}
	return fallback
}

// Capability tags every invocation overlay carries. Kind-specific wrapper
// tags live next to their wrapper types.
var (
	// TagBindings holds the invocation's resolved environment bindings.
	TagBindings = registry.NewTag[Bindings]("host.bindings")
	// TagExecution holds the deferred-execution capability.
	TagExecution = registry.NewTag[*ExecutionContext]("host.execution")
)

// Invocation is the per-invocation view business logic executes against:
// the invocation overlay layered over the materialized assembly registry.
// It is exclusively owned by one invocation and discarded afterwards.
type Invocation struct {
	id   string
	kind string
	reg  *registry.Registry
}

// ID returns the host request ID when available, otherwise a generated one.
func (i *Invocation) ID() string { return i.id }

// Kind returns the event kind this invocation was triggered by.
func (i *Invocation) Kind() string { return i.kind }

// Registry returns the merged capability registry: overlay values first,
// assembly capabilities as fallback.
func (i *Invocation) Registry() *registry.Registry { return i.reg }

// Bindings returns the invocation's environment bindings.
func (i *Invocation) Bindings() Bindings {
	return registry.MustGet(i.reg, TagBindings)
}

// Execution returns the deferred-execution capability.
func (i *Invocation) Execution() *ExecutionContext {
	return registry.MustGet(i.reg, TagExecution)
}

type invocationCtxKey struct{}

func withInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationCtxKey{}, inv)
}

// InvocationFrom extracts the current invocation from ctx, letting
// push-style handlers reach the same per-invocation capabilities that
// pull-style computations look up directly.
func InvocationFrom(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationCtxKey{}).(*Invocation)
	return inv, ok
}

// Options carries the construction-time configuration shared by every
// event kind.
type Options struct {
	// Assembly is the service assembly blueprint to materialize. Required
	// unless Container is set.
	Assembly *container.Blueprint

	// Container shares an already-constructed runtime container instead of
	// owning a new one. Used by Bundle so all kinds share one assembly.
	Container *container.Container

	// SharedCache optionally dedupes overlapping sub-assembly
	// materializations across containers. Passed through opaquely.
	SharedCache *container.AssemblyCache

	// Bindings are the static environment bindings for this worker. The
	// host's client context can override individual keys per invocation.
	Bindings Bindings

	// BindingsSource, when set, supersedes Bindings: it is consulted at the
	// start of every invocation, so a development harness can hot-reload
	// bindings without rebuilding the adapter. The returned map is copied
	// before client-context overrides are applied.
	BindingsSource func() Bindings

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// core is the kind-agnostic half of an event adapter: container ownership,
// the handler cache slot, bindings resolution, and outcome accounting.
type core[F any] struct {
	kind      string
	container *container.Container
	slot      container.Slot[F]
	log       *zap.Logger
	metrics   *observability.Metrics
	bindings  func() Bindings
}

func newCore[F any](kind string, opts Options) (*core[F], error) {
	if opts.Container == nil && opts.Assembly == nil {
		return nil, errors.NewValidation(kind + " adapter requires a service assembly")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := opts.Container
	if c == nil {
		c = container.New(opts.Assembly,
			container.WithLogger(log),
			container.WithAssemblyCache(opts.SharedCache),
		)
	}
	source := opts.BindingsSource
	if source == nil {
		static := opts.Bindings
		source = func() Bindings { return static }
	}
	return &core[F]{
		kind:      kind,
		container: c,
		log:       log,
		metrics:   opts.Metrics,
		bindings:  source,
	}, nil
}

// entrypoint returns the built entrypoint, materializing the assembly and
// running build exactly once across all concurrent first invocations.
func (c *core[F]) entrypoint(ctx context.Context, build func(context.Context, *registry.Registry) (F, error)) (F, error) {
	return c.slot.Get(ctx, func(ctx context.Context) (F, error) {
		var zero F
		reg, err := c.container.Materialize(ctx)
		if err != nil {
			c.metrics.RecordBuild(c.kind, err)
			return zero, err
		}
		f, err := build(ctx, reg)
		c.metrics.RecordBuild(c.kind, err)
		if err != nil {
			return zero, errors.NewBuild("building "+c.kind+" entrypoint", err)
		}
		c.log.Info("entrypoint built", zap.String("kind", c.kind))
		return f, nil
	})
}

// begin constructs the invocation overlay: resolved bindings, the
// deferred-execution capability, and the kind-specific wrapper bindings.
// The overlay never touches the shared assembly registry.
func (c *core[F]) begin(ctx context.Context, extra ...registry.Binding) (context.Context, *Invocation, error) {
	if c.container.Closed() {
		return ctx, nil, container.ErrClosed
	}
	reg, err := c.container.Materialize(ctx)
	if err != nil {
		return ctx, nil, err
	}

	id := invocationID(ctx)
	exec := &ExecutionContext{
		id:        id,
		kind:      c.kind,
		container: c.container,
		log:       c.log,
		metrics:   c.metrics,
	}
	bindings := c.resolveBindings(ctx)

	overlay := make([]registry.Binding, 0, len(extra)+2)
	overlay = append(overlay,
		registry.Bind(TagBindings, bindings),
		registry.Bind(TagExecution, exec),
	)
	overlay = append(overlay, extra...)

	inv := &Invocation{id: id, kind: c.kind, reg: reg.Extend(overlay...)}
	return withInvocation(ctx, inv), inv, nil
}

// resolveBindings merges the current worker bindings with per-invocation
// overrides from the host client context.
func (c *core[F]) resolveBindings(ctx context.Context) Bindings {
	base := c.bindings()
	merged := make(Bindings, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		for k, v := range lc.ClientContext.Env {
			merged[k] = v
		}
		for k, v := range lc.ClientContext.Custom {
			merged[k] = v
		}
	}
	return merged
}

// observe records the settled invocation's outcome.
func (c *core[F]) observe(inv *Invocation, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := observability.OutcomeSuccess
	switch {
	case errors.IsDefect(err):
		outcome = observability.OutcomeDefect
	case err != nil:
		outcome = observability.OutcomeFailure
	}
	c.metrics.RecordInvocation(c.kind, outcome, elapsed)

	fields := []zap.Field{
		zap.String("kind", c.kind),
		zap.Duration("elapsed", elapsed),
	}
	if inv != nil {
		fields = append(fields, zap.String("invocation_id", inv.ID()))
	}
	if err != nil {
		c.log.Error("invocation failed", append(fields, zap.Error(err))...)
		return
	}
	c.log.Debug("invocation completed", fields...)
}

// teardown releases the container; idempotent.
func (c *core[F]) teardown(ctx context.Context) error {
	return c.container.Teardown(ctx)
}

func invocationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}

// guard runs fn, converting a panic into a defect error so an abort inside
// business logic never crashes the adapter.
func guard[R any](fn func() (R, error)) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewDefect(r)
		}
	}()
	return fn()
}

// guardErr is guard for logic that only reports an error.
func guardErr(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewDefect(r)
		}
	}()
	return fn()
}
