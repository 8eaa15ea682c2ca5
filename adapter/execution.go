package adapter

import (
	"context"

	"go.uber.org/zap"

	"edgehost/container"
	"edgehost/pkg/observability"
)

// ExecutionContext is the per-invocation deferred-execution capability. It
// lets invocation logic schedule background work whose completion is not
// required before the primary result is returned. The container keeps the
// work alive until it settles or the container is torn down; failures are
// logged and counted, never propagated into the invocation's result.
type ExecutionContext struct {
	id        string
	kind      string
	container *container.Container
	log       *zap.Logger
	metrics   *observability.Metrics
}

// InvocationID returns the ID of the invocation this context belongs to.
func (e *ExecutionContext) InvocationID() string { return e.id }

// WaitUntil schedules task on the container's background context. The task
// outlives the invocation but not the container: tearing down the worker
// cancels the context the task receives. A panic inside the task is
// contained and logged like any other task failure.
func (e *ExecutionContext) WaitUntil(task func(ctx context.Context) error) {
	if task == nil {
		return
	}
	e.container.Go(func(ctx context.Context) {
		err := guardErr(func() error { return task(ctx) })
		e.metrics.RecordDeferred(e.kind, err)
		if err != nil {
			e.log.Error("deferred task failed",
				zap.String("kind", e.kind),
				zap.String("invocation_id", e.id),
				zap.Error(err),
			)
			return
		}
		e.log.Debug("deferred task completed",
			zap.String("kind", e.kind),
			zap.String("invocation_id", e.id),
		)
	})
}
