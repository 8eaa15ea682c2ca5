package adapter

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgehost/container"
)

func sqsEvent(ids ...string) events.SQSEvent {
	var event events.SQSEvent
	for _, id := range ids {
		event.Records = append(event.Records, events.SQSMessage{MessageId: id, Body: "payload-" + id})
	}
	return event
}

func failureIDs(resp events.SQSEventResponse) []string {
	var ids []string
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

func newQueueAdapter(t *testing.T, handle QueueHandler) *Queue {
	t.Helper()
	adapter, err := NewQueue(QueueOptions{
		Options:    Options{Assembly: testBlueprint()},
		QueueLogic: QueueLogic{Handle: handle},
	})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Dispose(context.Background()) })
	return adapter
}

func TestQueue_Handler_MixedDecisions(t *testing.T) {
	// Arrange: ack one, retry one, leave one undecided.
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		batch.Ack("m1")
		batch.Retry("m2")
		return nil
	})

	// Act
	resp, err := adapter.Handler()(context.Background(), sqsEvent("m1", "m2", "m3"))

	// Assert: only retried messages come back as failures; the undecided
	// message is implicitly acknowledged.
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, failureIDs(resp))
}

func TestQueue_Handler_AllAckedReportsNoFailures(t *testing.T) {
	// Arrange
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		batch.AckAll()
		return nil
	})

	// Act
	resp, err := adapter.Handler()(context.Background(), sqsEvent("m1", "m2"))

	// Assert
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestQueue_Handler_RetryAllReportsEveryMessage(t *testing.T) {
	// Arrange
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		batch.RetryAll()
		return nil
	})

	// Act
	resp, err := adapter.Handler()(context.Background(), sqsEvent("m1", "m2", "m3"))

	// Assert: delivery order preserved.
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, failureIDs(resp))
}

func TestQueue_Handler_ErrorSupersedesDecisions(t *testing.T) {
	// Arrange
	boom := stderrors.New("downstream unavailable")
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		batch.Ack("m1")
		return boom
	})

	// Act
	resp, err := adapter.Handler()(context.Background(), sqsEvent("m1", "m2"))

	// Assert: the whole batch is handed back to the host's retry policy.
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestQueue_Handler_PanicPropagatesAsDefect(t *testing.T) {
	// Arrange
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		panic("poison message")
	})

	// Act
	_, err := adapter.Handler()(context.Background(), sqsEvent("m1"))

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poison message")
}

func TestQueueBatch_FirstDecisionWins(t *testing.T) {
	// Arrange
	batch := newQueueBatch(sqsEvent("m1", "m2"))

	// Act
	batch.Ack("m1")
	batch.Retry("m1")
	batch.Retry("m2")
	batch.Ack("m2")

	// Assert
	assert.Equal(t, []string{"m1"}, batch.Acked())
	assert.Equal(t, []string{"m2"}, batch.Retried())
}

func TestQueueBatch_AckAllSkipsDecided(t *testing.T) {
	// Arrange
	batch := newQueueBatch(sqsEvent("m1", "m2", "m3"))
	batch.Retry("m2")

	// Act
	batch.AckAll()

	// Assert: ack and retry sets partition the batch.
	assert.Equal(t, []string{"m1", "m3"}, batch.Acked())
	assert.Equal(t, []string{"m2"}, batch.Retried())
}

func TestQueueBatch_Messages(t *testing.T) {
	// Arrange
	batch := newQueueBatch(sqsEvent("m1", "m2"))

	// Act / Assert
	assert.Equal(t, 2, batch.Len())
	require.Len(t, batch.Messages(), 2)
	assert.Equal(t, "payload-m1", batch.Messages()[0].Body)
}

func TestQueue_Handler_AfterDisposeFailsClosed(t *testing.T) {
	// Arrange
	adapter := newQueueAdapter(t, func(ctx context.Context, batch *QueueBatch, env Bindings, exec *ExecutionContext) error {
		return nil
	})
	require.NoError(t, adapter.Dispose(context.Background()))

	// Act
	_, err := adapter.Handler()(context.Background(), sqsEvent("m1"))

	// Assert
	assert.ErrorIs(t, err, container.ErrClosed)
}
