// Package container implements the runtime container: it materializes one
// service assembly exactly once per worker process, hands out the assembled
// capability registry, memoizes built entrypoints, and releases assembly
// resources exactly once on teardown.
package container

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"edgehost/pkg/errors"
	"edgehost/registry"
)

// ErrClosed is returned for operations attempted after Teardown.
var ErrClosed = stderrors.New("container: closed")

type containerState int

const (
	stateIdle containerState = iota
	stateMaterializing
	stateReady
	stateFailed
)

// Container owns one service assembly for the lifetime of a worker process.
//
// Materialize runs the blueprint at most once; every concurrent and future
// caller observes the same outcome, including failure. A failed assembly is
// not retried: a fresh attempt requires a new Container. Teardown is
// idempotent and runs release hooks exactly once, in reverse registration
// order, even when called before materialization finished.
type Container struct {
	blueprint *Blueprint
	log       *zap.Logger
	cache     *AssemblyCache

	mu       sync.Mutex
	state    containerState
	done     chan struct{} // closed when materialization settles
	reg      *registry.Registry
	matErr   error
	releases []func(context.Context) error
	closed   bool
	torn     bool

	// bgCtx parents all deferred-execution work; cancelled on teardown.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	deferred sync.WaitGroup
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the container's logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Container) {
		if log != nil {
			c.log = log
		}
	}
}

// WithAssemblyCache attaches a shared assembly cache that providers can use
// to deduplicate overlapping sub-assemblies across containers.
func WithAssemblyCache(cache *AssemblyCache) Option {
	return func(c *Container) {
		c.cache = cache
	}
}

// New creates a container for the given blueprint. Materialization is lazy:
// nothing runs until the first Materialize call.
func New(blueprint *Blueprint, opts ...Option) *Container {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Container{
		blueprint: blueprint,
		log:       zap.NewNop(),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Materialize returns the assembled capability registry, running the
// blueprint on the first call. Concurrent first callers wait on the same
// materialization; all of them, and every later caller, observe the same
// outcome. The blueprint runs on the first caller's context: a
// cancellation mid-run settles the container as failed like any other
// materialization error.
func (c *Container) Materialize(ctx context.Context) (*registry.Registry, error) {
	c.mu.Lock()
	switch c.state {
	case stateReady, stateFailed:
		reg, err := c.reg, c.matErr
		c.mu.Unlock()
		return reg, err
	case stateMaterializing:
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		reg, err := c.reg, c.matErr
		c.mu.Unlock()
		return reg, err
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.state = stateMaterializing
	c.done = make(chan struct{})
	c.mu.Unlock()

	reg, releases, err := c.blueprint.run(ctx, c.log, c.cache)

	c.mu.Lock()
	c.reg = reg
	c.matErr = err
	// Release hooks registered before a provider failed still need to run
	// at teardown.
	c.releases = releases
	if err != nil {
		c.state = stateFailed
		c.log.Error("assembly materialization failed",
			zap.String("assembly", c.blueprint.Name()),
			zap.Error(err),
		)
	} else {
		c.state = stateReady
		c.log.Info("assembly materialized",
			zap.String("assembly", c.blueprint.Name()),
			zap.Int("capabilities", reg.Len()),
		)
	}
	close(c.done)
	c.mu.Unlock()
	return reg, err
}

// Closed reports whether Teardown has been called. In-flight invocations
// are never interrupted by teardown; Closed only gates new work.
func (c *Container) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// BackgroundContext returns the context that parents deferred-execution
// work. It is cancelled when the container is torn down.
func (c *Container) BackgroundContext() context.Context {
	return c.bgCtx
}

// Go runs fn on the container's background context, tracked so that
// Teardown can wait for outstanding deferred work to settle.
func (c *Container) Go(fn func(ctx context.Context)) {
	c.deferred.Add(1)
	go func() {
		defer c.deferred.Done()
		fn(c.bgCtx)
	}()
}

// Teardown releases all resources acquired during materialization. It is
// idempotent: extra calls do nothing and return nil. If materialization is
// still in flight, Teardown waits for it to settle so that every acquired
// resource gets its release hook.
func (c *Container) Teardown(ctx context.Context) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return nil
	}
	c.torn = true
	c.closed = true
	done := c.done
	inFlight := c.state == stateMaterializing
	c.mu.Unlock()

	if inFlight {
		<-done
	}

	// Abandon deferred work and give it until ctx expires to wind down.
	c.bgCancel()
	settled := make(chan struct{})
	go func() {
		c.deferred.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		c.log.Warn("teardown abandoned outstanding deferred work",
			zap.String("assembly", c.blueprint.Name()),
		)
	}

	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			errs = append(errs, err)
			c.log.Error("release hook failed",
				zap.String("assembly", c.blueprint.Name()),
				zap.Error(err),
			)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "tearing down assembly "+c.blueprint.Name())
	}
	c.log.Info("container torn down", zap.String("assembly", c.blueprint.Name()))
	return nil
}
