package adapter

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/registry"
)

// TagTail holds the diagnostic-event batch for the current invocation.
var TagTail = registry.NewTag[*Tail]("host.tail")

// TailEvent is one diagnostic event, in the order the host delivered it.
type TailEvent struct {
	ID        string
	Timestamp time.Time
	Message   string
}

// Tail wraps one delivered batch of diagnostic events.
type Tail struct {
	Owner     string
	LogGroup  string
	LogStream string
	Events    []TailEvent
}

func newTail(data events.CloudwatchLogsData) *Tail {
	tailEvents := make([]TailEvent, len(data.LogEvents))
	for i, e := range data.LogEvents {
		tailEvents[i] = TailEvent{
			ID:        e.ID,
			Timestamp: time.UnixMilli(e.Timestamp),
			Message:   e.Message,
		}
	}
	return &Tail{
		Owner:     data.Owner,
		LogGroup:  data.LogGroup,
		LogStream: data.LogStream,
		Events:    tailEvents,
	}
}

// TailFunc is a built diagnostic-batch entrypoint.
type TailFunc func(ctx context.Context, inv *Invocation) error

// TailBuilder constructs the entrypoint once against the materialized
// assembly registry.
type TailBuilder func(ctx context.Context, reg *registry.Registry) (TailFunc, error)

// TailHandler is the push-style diagnostic-batch handler.
type TailHandler func(ctx context.Context, tail *Tail, env Bindings, exec *ExecutionContext) error

// TailLogic is the business logic for the tail kind.
type TailLogic struct {
	Build  TailBuilder
	Handle TailHandler
}

// TailOptions configures a tail adapter.
type TailOptions struct {
	Options
	TailLogic
}

// TailAdapter adapts the host's diagnostic-event-batch entrypoint
// signature.
type TailAdapter struct {
	core  *core[TailFunc]
	build TailBuilder
}

// NewTail constructs a tail adapter.
func NewTail(opts TailOptions) (*TailAdapter, error) {
	build, err := tailBuilder(opts.TailLogic)
	if err != nil {
		return nil, err
	}
	c, err := newCore[TailFunc](KindTail, opts.Options)
	if err != nil {
		return nil, err
	}
	return &TailAdapter{core: c, build: build}, nil
}

func tailBuilder(logic TailLogic) (TailBuilder, error) {
	switch {
	case logic.Build != nil && logic.Handle != nil:
		return nil, errors.NewValidation("tail logic: set either Build or Handle, not both")
	case logic.Build != nil:
		return logic.Build, nil
	case logic.Handle != nil:
		handle := logic.Handle
		return func(ctx context.Context, reg *registry.Registry) (TailFunc, error) {
			return func(ctx context.Context, inv *Invocation) error {
				tail := registry.MustGet(inv.Registry(), TagTail)
				return handle(ctx, tail, inv.Bindings(), inv.Execution())
			}, nil
		}, nil
	default:
		return nil, errors.NewValidation("tail logic: neither Build nor Handle set")
	}
}

// Handler returns the host-startable handler function.
func (a *TailAdapter) Handler() func(ctx context.Context, event events.CloudwatchLogsEvent) error {
	return a.invoke
}

// Container exposes the adapter's runtime container.
func (a *TailAdapter) Container() *container.Container { return a.core.container }

// Dispose tears down the runtime container. Idempotent.
func (a *TailAdapter) Dispose(ctx context.Context) error { return a.core.teardown(ctx) }

func (a *TailAdapter) invoke(ctx context.Context, event events.CloudwatchLogsEvent) error {
	start := time.Now()
	if a.core.container.Closed() {
		a.core.observe(nil, start, container.ErrClosed)
		return container.ErrClosed
	}

	data, err := event.AWSLogs.Parse()
	if err != nil {
		err = errors.NewInvocation("decoding diagnostic batch", err)
		a.core.observe(nil, start, err)
		return err
	}

	entry, err := a.core.entrypoint(ctx, a.build)
	if err != nil {
		a.core.observe(nil, start, err)
		return err
	}

	ctx, inv, err := a.core.begin(ctx, registry.Bind(TagTail, newTail(data)))
	if err != nil {
		a.core.observe(nil, start, err)
		return err
	}

	err = guardErr(func() error { return entry(ctx, inv) })
	a.core.observe(inv, start, err)
	return err
}
