package orchestrator

import (
	"context"
	"errors"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/task"
)

var errCancelledByCaller = errors.New("orchestrator: cancelled by caller request")

// handleGenerationCancelled implements spec.md §4.4's cancellation
// contract: transition to Cancelled, try_cancel the local registry
// entry (a no-op, not an error, if this worker isn't the owner), and
// publish an acknowledgement progress event. Cancelling an
// already-terminal task is a no-op.
func (o *Orchestrator) handleGenerationCancelled(ctx context.Context, evt bus.GenerationCancelled) {
	t, err := o.deps.Tasks.Get(ctx, evt.TaskID)
	if err != nil {
		o.logger.Warn("cancellation received for unknown task", "task_id", evt.TaskID, "err", err)
		return
	}
	if t.Status.IsTerminal() {
		return
	}

	if err := o.deps.Tasks.SetStatus(ctx, evt.TaskID, task.StatusCancelled); err != nil {
		if !errors.Is(err, task.ErrIllegalTransition) {
			o.logger.Warn("failed to transition task to cancelled", "task_id", evt.TaskID, "err", err)
		}
		return
	}

	o.deps.Registry.TryCancel(evt.TaskID, errCancelledByCaller)

	_ = o.deps.Bus.Publish(ctx, bus.TopicGenerationProgress, bus.GenerationProgress{
		TaskID:        evt.TaskID,
		Status:        string(task.StatusCancelled),
		Message:       "cancelled",
		CorrelationID: evt.CorrelationID,
	})

	o.publishWebhookIfConfigured(ctx, t, webhookOutcome{status: "cancelled"})
}
