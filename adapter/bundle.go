package adapter

import (
	"context"

	"go.uber.org/zap"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/pkg/observability"
)

// BundleOptions configures a Bundle: one service assembly plus business
// logic for any subset of the event kinds.
type BundleOptions struct {
	// Assembly is the service assembly every kind shares. Required.
	Assembly *container.Blueprint

	// SharedCache optionally dedupes overlapping sub-assembly
	// materializations across bundles. Passed through opaquely.
	SharedCache *container.AssemblyCache

	// Bindings are the worker's static environment bindings.
	Bindings Bindings

	// BindingsSource, when set, supersedes Bindings; consulted per
	// invocation. See Options.BindingsSource.
	BindingsSource func() Bindings

	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Per-kind business logic. Only supplied kinds get handlers.
	Fetch     *FetchLogic
	Scheduled *ScheduledLogic
	Queue     *QueueLogic
	Message   *MessageLogic
	Tail      *TailLogic

	// Forwarder backs Message.Forward when message logic is supplied.
	Forwarder Forwarder
}

// Bundle composes event adapters over one shared runtime container: the
// export object the host loads. Kinds without supplied logic have nil
// accessors. There is no per-kind teardown; Dispose covers every kind,
// matching a host that tears down the whole worker at once.
type Bundle struct {
	container *container.Container

	fetch     *Fetch
	scheduled *Scheduled
	queue     *Queue
	message   *MessageAdapter
	tail      *TailAdapter
}

// NewBundle wires the supplied kinds through adapters sharing one
// container.
func NewBundle(opts BundleOptions) (*Bundle, error) {
	if opts.Assembly == nil {
		return nil, errors.NewValidation("bundle requires a service assembly")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := container.New(opts.Assembly,
		container.WithLogger(log),
		container.WithAssemblyCache(opts.SharedCache),
	)
	shared := Options{
		Container:      c,
		Bindings:       opts.Bindings,
		BindingsSource: opts.BindingsSource,
		Logger:         log,
		Metrics:        opts.Metrics,
	}

	b := &Bundle{container: c}
	var err error
	if opts.Fetch != nil {
		b.fetch, err = NewFetch(FetchOptions{Options: shared, FetchLogic: *opts.Fetch})
		if err != nil {
			return nil, err
		}
	}
	if opts.Scheduled != nil {
		b.scheduled, err = NewScheduled(ScheduledOptions{Options: shared, ScheduledLogic: *opts.Scheduled})
		if err != nil {
			return nil, err
		}
	}
	if opts.Queue != nil {
		b.queue, err = NewQueue(QueueOptions{Options: shared, QueueLogic: *opts.Queue})
		if err != nil {
			return nil, err
		}
	}
	if opts.Message != nil {
		b.message, err = NewMessage(MessageOptions{Options: shared, MessageLogic: *opts.Message, Forwarder: opts.Forwarder})
		if err != nil {
			return nil, err
		}
	}
	if opts.Tail != nil {
		b.tail, err = NewTail(TailOptions{Options: shared, TailLogic: *opts.Tail})
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Container exposes the shared runtime container.
func (b *Bundle) Container() *container.Container { return b.container }

// Fetch returns the fetch adapter, or nil when no fetch logic was supplied.
func (b *Bundle) Fetch() *Fetch { return b.fetch }

// Scheduled returns the scheduled adapter, or nil.
func (b *Bundle) Scheduled() *Scheduled { return b.scheduled }

// Queue returns the queue adapter, or nil.
func (b *Bundle) Queue() *Queue { return b.queue }

// Message returns the message adapter, or nil.
func (b *Bundle) Message() *MessageAdapter { return b.message }

// Tail returns the tail adapter, or nil.
func (b *Bundle) Tail() *TailAdapter { return b.tail }

// Dispose tears down the shared container. Idempotent; covers every kind.
func (b *Bundle) Dispose(ctx context.Context) error {
	return b.container.Teardown(ctx)
}
