package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/registry"
)

// TagMessage holds the inbound message for the current invocation.
var TagMessage = registry.NewTag[*Message]("host.message")

// Message wraps one inbound message and records the logic's forward/reject
// decisions as first-class operations. The adapter applies them after the
// logic returns: forwards go through the configured Forwarder, a rejection
// surfaces to the host as a failed invocation so the sender gets bounced.
type Message struct {
	record events.SimpleEmailRecord

	mu           sync.Mutex
	forwards     []string
	rejected     bool
	rejectReason string
}

func newMessage(record events.SimpleEmailRecord) *Message {
	return &Message{record: record}
}

// MessageID returns the host's message identifier.
func (m *Message) MessageID() string { return m.record.SES.Mail.MessageID }

// From returns the envelope sender.
func (m *Message) From() string { return m.record.SES.Mail.Source }

// Recipients returns the envelope recipients.
func (m *Message) Recipients() []string { return m.record.SES.Receipt.Recipients }

// Subject returns the message subject header.
func (m *Message) Subject() string { return m.record.SES.Mail.CommonHeaders.Subject }

// Record returns the underlying native record.
func (m *Message) Record() events.SimpleEmailRecord { return m.record }

// Forward queues the message for delivery to another recipient. Forwarding
// happens after the logic returns successfully.
func (m *Message) Forward(recipient string) {
	m.mu.Lock()
	m.forwards = append(m.forwards, recipient)
	m.mu.Unlock()
}

// Reject marks the message as refused; the host bounces it to the sender.
func (m *Message) Reject(reason string) {
	m.mu.Lock()
	m.rejected = true
	m.rejectReason = reason
	m.mu.Unlock()
}

func (m *Message) rejection() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejectReason, m.rejected
}

func (m *Message) forwardTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.forwards...)
}

// Forwarder delivers a message to an additional recipient on behalf of the
// invocation logic.
type Forwarder interface {
	Forward(ctx context.Context, m *Message, recipient string) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, m *Message, recipient string) error

// Forward implements Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, m *Message, recipient string) error {
	return f(ctx, m, recipient)
}

// MessageFunc is a built inbound-message entrypoint.
type MessageFunc func(ctx context.Context, inv *Invocation) error

// MessageBuilder constructs the entrypoint once against the materialized
// assembly registry.
type MessageBuilder func(ctx context.Context, reg *registry.Registry) (MessageFunc, error)

// MessageHandler is the push-style inbound-message handler.
type MessageHandler func(ctx context.Context, m *Message, env Bindings, exec *ExecutionContext) error

// MessageLogic is the business logic for the message kind.
type MessageLogic struct {
	Build  MessageBuilder
	Handle MessageHandler
}

// MessageOptions configures a message adapter.
type MessageOptions struct {
	Options
	MessageLogic

	// Forwarder delivers Message.Forward targets. Required only when the
	// logic actually forwards.
	Forwarder Forwarder
}

// MessageAdapter adapts the host's inbound-message entrypoint signature.
type MessageAdapter struct {
	core      *core[MessageFunc]
	build     MessageBuilder
	forwarder Forwarder
}

// NewMessage constructs an inbound-message adapter.
func NewMessage(opts MessageOptions) (*MessageAdapter, error) {
	build, err := messageBuilder(opts.MessageLogic)
	if err != nil {
		return nil, err
	}
	c, err := newCore[MessageFunc](KindMessage, opts.Options)
	if err != nil {
		return nil, err
	}
	return &MessageAdapter{core: c, build: build, forwarder: opts.Forwarder}, nil
}

func messageBuilder(logic MessageLogic) (MessageBuilder, error) {
	switch {
	case logic.Build != nil && logic.Handle != nil:
		return nil, errors.NewValidation("message logic: set either Build or Handle, not both")
	case logic.Build != nil:
		return logic.Build, nil
	case logic.Handle != nil:
		handle := logic.Handle
		return func(ctx context.Context, reg *registry.Registry) (MessageFunc, error) {
			return func(ctx context.Context, inv *Invocation) error {
				m := registry.MustGet(inv.Registry(), TagMessage)
				return handle(ctx, m, inv.Bindings(), inv.Execution())
			}, nil
		}, nil
	default:
		return nil, errors.NewValidation("message logic: neither Build nor Handle set")
	}
}

// Handler returns the host-startable handler function. Each record in the
// native event is executed as its own invocation; the first failure aborts
// and propagates to the host.
func (a *MessageAdapter) Handler() func(ctx context.Context, event events.SimpleEmailEvent) error {
	return a.invoke
}

// Container exposes the adapter's runtime container.
func (a *MessageAdapter) Container() *container.Container { return a.core.container }

// Dispose tears down the runtime container. Idempotent.
func (a *MessageAdapter) Dispose(ctx context.Context) error { return a.core.teardown(ctx) }

func (a *MessageAdapter) invoke(ctx context.Context, event events.SimpleEmailEvent) error {
	if a.core.container.Closed() {
		a.core.observe(nil, time.Now(), container.ErrClosed)
		return container.ErrClosed
	}
	for _, record := range event.Records {
		if err := a.invokeOne(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (a *MessageAdapter) invokeOne(ctx context.Context, record events.SimpleEmailRecord) error {
	start := time.Now()

	entry, err := a.core.entrypoint(ctx, a.build)
	if err != nil {
		a.core.observe(nil, start, err)
		return err
	}

	m := newMessage(record)
	ctx, inv, err := a.core.begin(ctx, registry.Bind(TagMessage, m))
	if err != nil {
		a.core.observe(nil, start, err)
		return err
	}

	err = guardErr(func() error { return entry(ctx, inv) })
	if err == nil {
		err = a.settle(ctx, m)
	}
	a.core.observe(inv, start, err)
	return err
}

// settle applies the recorded forward/reject operations.
func (a *MessageAdapter) settle(ctx context.Context, m *Message) error {
	if reason, rejected := m.rejection(); rejected {
		return errors.NewInvocation(fmt.Sprintf("message %s rejected: %s", m.MessageID(), reason), nil)
	}
	targets := m.forwardTargets()
	if len(targets) == 0 {
		return nil
	}
	if a.forwarder == nil {
		return errors.NewInvocation("message logic forwarded without a configured Forwarder", nil)
	}
	for _, recipient := range targets {
		if err := a.forwarder.Forward(ctx, m, recipient); err != nil {
			return errors.Wrap(err, "forwarding message "+m.MessageID())
		}
	}
	return nil
}
