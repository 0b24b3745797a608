package engine

import (
	"context"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// HandleStatus observes generic status events. Consumers such as
// notification fan-out subscribe to the same detail type; here the event
// is only logged.
func (e *Engine) HandleStatus(ctx context.Context, update mangaflow.GenerationStatusUpdated, evt mangaflow.Event) error {
	if update.UserID != "" {
		ctx = resilience.WithUserID(ctx, update.UserID)
	}
	if update.RequestID != "" {
		ctx = resilience.WithRequestID(ctx, update.RequestID)
	}

	mangaflow.LogStatusUpdated(resilience.Logger(ctx, e.logger), update.EntityType, update.RelatedEntityID, update.Status, update.ErrorMessage)
	return nil
}

// HandleBatchStatus observes workflow status events
func (e *Engine) HandleBatchStatus(ctx context.Context, update mangaflow.BatchWorkflowStatusUpdated, evt mangaflow.Event) error {
	if update.UserID != "" {
		ctx = resilience.WithUserID(ctx, update.UserID)
	}

	mangaflow.LogStatusUpdated(resilience.Logger(ctx, e.logger), "WORKFLOW", update.WorkflowID, update.Status, update.ErrorMessage)
	return nil
}
