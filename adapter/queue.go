package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/registry"
)

// TagBatch holds the queued-message batch for the current invocation.
var TagBatch = registry.NewTag[*QueueBatch]("host.batch")

// QueueBatch wraps one delivered batch of queued messages and records the
// logic's per-message acknowledge/retry decisions. The first decision for a
// message wins; later calls for the same message are ignored.
//
// Messages left undecided when the logic returns successfully are treated
// as acknowledged.
type QueueBatch struct {
	messages []events.SQSMessage

	mu      sync.Mutex
	acked   map[string]struct{}
	retried map[string]struct{}
}

func newQueueBatch(event events.SQSEvent) *QueueBatch {
	return &QueueBatch{
		messages: event.Records,
		acked:    make(map[string]struct{}),
		retried:  make(map[string]struct{}),
	}
}

// Messages returns the batch's messages in delivery order.
func (b *QueueBatch) Messages() []events.SQSMessage { return b.messages }

// Len returns the number of messages in the batch.
func (b *QueueBatch) Len() int { return len(b.messages) }

// Ack marks one message as successfully handled.
func (b *QueueBatch) Ack(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.decided(messageID) {
		return
	}
	b.acked[messageID] = struct{}{}
}

// Retry marks one message for redelivery by the host.
func (b *QueueBatch) Retry(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.decided(messageID) {
		return
	}
	b.retried[messageID] = struct{}{}
}

// AckAll acknowledges every message not yet decided.
func (b *QueueBatch) AckAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if !b.decided(m.MessageId) {
			b.acked[m.MessageId] = struct{}{}
		}
	}
}

// RetryAll marks every message not yet decided for redelivery.
func (b *QueueBatch) RetryAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if !b.decided(m.MessageId) {
			b.retried[m.MessageId] = struct{}{}
		}
	}
}

// Acked returns the acknowledged message IDs in delivery order.
func (b *QueueBatch) Acked() []string { return b.selectIDs(func(id string) bool { _, ok := b.acked[id]; return ok }) }

// Retried returns the message IDs marked for redelivery in delivery order.
func (b *QueueBatch) Retried() []string {
	return b.selectIDs(func(id string) bool { _, ok := b.retried[id]; return ok })
}

func (b *QueueBatch) selectIDs(keep func(string) bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, m := range b.messages {
		if keep(m.MessageId) {
			ids = append(ids, m.MessageId)
		}
	}
	return ids
}

// decided must be called with b.mu held.
func (b *QueueBatch) decided(messageID string) bool {
	if _, ok := b.acked[messageID]; ok {
		return true
	}
	_, ok := b.retried[messageID]
	return ok
}

// response maps the recorded decisions to the host's partial-batch shape:
// only messages marked for retry are reported as failures.
func (b *QueueBatch) response() events.SQSEventResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failures []events.SQSBatchItemFailure
	for _, m := range b.messages {
		if _, ok := b.retried[m.MessageId]; ok {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: m.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

// QueueFunc is a built queue entrypoint.
type QueueFunc func(ctx context.Context, inv *Invocation) error

// QueueBuilder constructs the entrypoint once against the materialized
// assembly registry.
type QueueBuilder func(ctx context.Context, reg *registry.Registry) (QueueFunc, error)

// QueueHandler is the push-style queue handler.
type QueueHandler func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error

// QueueLogic is the business logic for the queue kind.
type QueueLogic struct {
	Build  QueueBuilder
	Handle QueueHandler
}

// QueueOptions configures a queue adapter.
type QueueOptions struct {
	Options
	QueueLogic
}

// Queue adapts the host's queued-message-batch entrypoint signature.
type Queue struct {
	core  *core[QueueFunc]
	build QueueBuilder
}

// NewQueue constructs a queue adapter.
func NewQueue(opts QueueOptions) (*Queue, error) {
	build, err := queueBuilder(opts.QueueLogic)
	if err != nil {
		return nil, err
	}
	c, err := newCore[QueueFunc](KindQueue, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Queue{core: c, build: build}, nil
}

func queueBuilder(logic QueueLogic) (QueueBuilder, error) {
	switch {
	case logic.Build != nil && logic.Handle != nil:
		return nil, errors.NewValidation("queue logic: set either Build or Handle, not both")
	case logic.Build != nil:
		return logic.Build, nil
	case logic.Handle != nil:
		handle := logic.Handle
		return func(ctx context.Context, reg *registry.Registry) (QueueFunc, error) {
			return func(ctx context.Context, inv *Invocation) error {
				batch := registry.MustGet(inv.Registry(), TagBatch)
				return handle(ctx, batch, inv.Bindings(), inv.Execution())
			}, nil
		}, nil
	default:
		return nil, errors.NewValidation("queue logic: neither Build nor Handle set")
	}
}

// Handler returns the host-startable handler function. On success the
// response reports the retried messages as batch item failures; on failure
// the error is propagated and the host's own retry policy takes over for
// the whole batch.
func (q *Queue) Handler() func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	return q.invoke
}

// Container exposes the adapter's runtime container.
func (q *Queue) Container() *container.Container { return q.core.container }

// Dispose tears down the runtime container. Idempotent.
func (q *Queue) Dispose(ctx context.Context) error { return q.core.teardown(ctx) }

func (q *Queue) invoke(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	if q.core.container.Closed() {
		q.core.observe(nil, start, container.ErrClosed)
		return events.SQSEventResponse{}, container.ErrClosed
	}

	entry, err := q.core.entrypoint(ctx, q.build)
	if err != nil {
		q.core.observe(nil, start, err)
		return events.SQSEventResponse{}, err
	}

	batch := newQueueBatch(event)
	ctx, inv, err := q.core.begin(ctx, registry.Bind(TagBatch, batch))
	if err != nil {
		q.core.observe(nil, start, err)
		return events.SQSEventResponse{}, err
	}

	err = guardErr(func() error { return entry(ctx, inv) })
	q.core.observe(inv, start, err)
	if err != nil {
		if acked := batch.Acked(); len(acked) > 0 {
			q.core.log.Warn("batch failed after partial acknowledgement; host will redeliver the whole batch",
				zap.String("invocation_id", inv.ID()),
				zap.Int("acked", len(acked)),
			)
		}
		return events.SQSEventResponse{}, err
	}
	return batch.response(), nil
}
