package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/registry"
)

// TagTimer holds the timer controller for the current invocation.
var TagTimer = registry.NewTag[*Timer]("host.timer")

// Timer wraps the host's timer-controller object for one scheduled
// invocation.
type Timer struct {
	event events.CloudWatchEvent

	mu      sync.Mutex
	noRetry bool
}

func newTimer(event events.CloudWatchEvent) *Timer {
	return &Timer{event: event}
}

// ScheduledTime returns when the host fired the timer.
func (t *Timer) ScheduledTime() time.Time { return t.event.Time }

// Rule returns the schedule rule that triggered the invocation, when the
// host supplies one.
func (t *Timer) Rule() string {
	if len(t.event.Resources) == 0 {
		return ""
	}
	return t.event.Resources[0]
}

// Detail returns the raw event detail payload.
func (t *Timer) Detail() json.RawMessage { return t.event.Detail }

// NoRetry tells the adapter not to surface a failure of this run to the
// host, so the host's retry policy never kicks in for it.
func (t *Timer) NoRetry() {
	t.mu.Lock()
	t.noRetry = true
	t.mu.Unlock()
}

func (t *Timer) retrySuppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noRetry
}

// ScheduledFunc is a built timer entrypoint.
type ScheduledFunc func(ctx context.Context, inv *Invocation) error

// ScheduledBuilder constructs the entrypoint once against the materialized
// assembly registry.
type ScheduledBuilder func(ctx context.Context, reg *registry.Registry) (ScheduledFunc, error)

// ScheduledHandler is the push-style timer handler.
type ScheduledHandler func(ctx context.Context, timer *Timer, env Bindings, exec *ExecutionContext) error

// ScheduledLogic is the business logic for the scheduled kind.
type ScheduledLogic struct {
	Build  ScheduledBuilder
	Handle ScheduledHandler
}

// ScheduledOptions configures a scheduled adapter.
type ScheduledOptions struct {
	Options
	ScheduledLogic
}

// Scheduled adapts the host's timer entrypoint signature.
type Scheduled struct {
	core  *core[ScheduledFunc]
	build ScheduledBuilder
}

// NewScheduled constructs a scheduled adapter.
func NewScheduled(opts ScheduledOptions) (*Scheduled, error) {
	build, err := scheduledBuilder(opts.ScheduledLogic)
	if err != nil {
		return nil, err
	}
	c, err := newCore[ScheduledFunc](KindScheduled, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Scheduled{core: c, build: build}, nil
}

func scheduledBuilder(logic ScheduledLogic) (ScheduledBuilder, error) {
	switch {
	case logic.Build != nil && logic.Handle != nil:
		return nil, errors.NewValidation("scheduled logic: set either Build or Handle, not both")
	case logic.Build != nil:
		return logic.Build, nil
	case logic.Handle != nil:
		handle := logic.Handle
		return func(ctx context.Context, reg *registry.Registry) (ScheduledFunc, error) {
			return func(ctx context.Context, inv *Invocation) error {
				timer := registry.MustGet(inv.Registry(), TagTimer)
				return handle(ctx, timer, inv.Bindings(), inv.Execution())
			}, nil
		}, nil
	default:
		return nil, errors.NewValidation("scheduled logic: neither Build nor Handle set")
	}
}

// Handler returns the host-startable handler function. A failure is
// propagated to the host unless the logic called Timer.NoRetry.
func (s *Scheduled) Handler() func(ctx context.Context, event events.CloudWatchEvent) error {
	return s.invoke
}

// Container exposes the adapter's runtime container.
func (s *Scheduled) Container() *container.Container { return s.core.container }

// Dispose tears down the runtime container. Idempotent.
func (s *Scheduled) Dispose(ctx context.Context) error { return s.core.teardown(ctx) }

func (s *Scheduled) invoke(ctx context.Context, event events.CloudWatchEvent) error {
	start := time.Now()
	if s.core.container.Closed() {
		s.core.observe(nil, start, container.ErrClosed)
		return container.ErrClosed
	}

	entry, err := s.core.entrypoint(ctx, s.build)
	if err != nil {
		s.core.observe(nil, start, err)
		return err
	}

	timer := newTimer(event)
	ctx, inv, err := s.core.begin(ctx, registry.Bind(TagTimer, timer))
	if err != nil {
		s.core.observe(nil, start, err)
		return err
	}

	err = guardErr(func() error { return entry(ctx, inv) })
	s.core.observe(inv, start, err)
	if err != nil && timer.retrySuppressed() {
		s.core.log.Warn("scheduled run failed with retry suppressed",
			zap.String("invocation_id", inv.ID()),
			zap.String("rule", timer.Rule()),
			zap.Error(err),
		)
		return nil
	}
	return err
}
