package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// HandleBatchStory generates one item of a batch workflow and advances the
// chain. A failed item is recorded and absorbed so the remaining items still
// run; a failed final item fails the workflow. Items are processed one after
// another, so item n has been recorded exactly when the workflow counters
// sum to at least n. Redeliveries use that to resume where they stopped.
func (e *Engine) HandleBatchStory(ctx context.Context, req mangaflow.BatchStoryGenerationRequested, evt mangaflow.Event) error {
	switch {
	case req.UserID == "":
		return mangaflow.ValidationError("userId is required")
	case req.WorkflowID == "":
		return mangaflow.ValidationError("workflowId is required")
	case req.RequestID == "":
		return mangaflow.ValidationError("requestId is required")
	case req.TotalBatches < 1 || req.CurrentBatch < 1 || req.CurrentBatch > req.TotalBatches:
		return mangaflow.ValidationError(fmt.Sprintf("invalid batch position %d of %d", req.CurrentBatch, req.TotalBatches))
	}

	ctx = resilience.WithRequestID(resilience.WithUserID(ctx, req.UserID), req.RequestID)
	logger := resilience.Logger(ctx, e.logger)

	wf, err := e.repo.GetWorkflow(ctx, req.UserID, req.WorkflowID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return mangaflow.NotFoundError(mangaflow.ErrCodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", req.WorkflowID))
		}
		return err
	}
	if wf.Status.IsTerminal() {
		mangaflow.LogDuplicate(logger, StageBatchStory, wf.WorkflowID, wf.Status)
		return nil
	}
	if wf.Status == mangaflow.StatusPending {
		processing := mangaflow.StatusProcessing
		if _, err := e.repo.UpdateWorkflow(ctx, req.UserID, req.WorkflowID, store.WorkflowUpdate{Status: &processing}); err != nil &&
			!errors.Is(err, mangaflow.ErrConditionFailed) {
			return err
		}
	}

	prefs, insights, err := e.batchPreferences(ctx, req)
	if err != nil {
		if mangaflow.IsPermanent(err) {
			return e.abortBatch(ctx, req, err)
		}
		return err
	}
	req.Preferences = &prefs
	req.Insights = &insights

	current, proceed, err := e.claimRequest(ctx, StageBatchStory, &mangaflow.GenerationRequest{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		Type:       mangaflow.RequestTypeBatchStory,
		WorkflowID: req.WorkflowID,
	})
	if err != nil {
		return err
	}

	var genErr error
	if proceed {
		_, genErr = e.generateStory(ctx, storyJob{
			userID:     req.UserID,
			requestID:  req.RequestID,
			workflowID: req.WorkflowID,
			prefs:      prefs,
			insights:   insights,
			storyID:    current.RelatedEntityID,
		})
		if errors.Is(genErr, errAlreadyTerminal) {
			genErr = nil
		}
	}

	return e.settleBatchItem(ctx, req, genErr)
}

// batchPreferences returns the preferences carried by the event, or the
// user's latest stored version. No stored version is a permanent failure.
func (e *Engine) batchPreferences(ctx context.Context, req mangaflow.BatchStoryGenerationRequested) (mangaflow.Preferences, mangaflow.Insights, error) {
	if req.Preferences != nil {
		var insights mangaflow.Insights
		if req.Insights != nil {
			insights = *req.Insights
		}
		return *req.Preferences, insights, nil
	}

	latest, err := e.repo.LatestPreferences(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return mangaflow.Preferences{}, mangaflow.Insights{}, mangaflow.NewAppError(mangaflow.ErrCodePreferencesNotFound,
				fmt.Sprintf("no stored preferences for user %s", req.UserID), 400)
		}
		return mangaflow.Preferences{}, mangaflow.Insights{}, err
	}

	var insights mangaflow.Insights
	if req.Insights != nil {
		insights = *req.Insights
	} else if latest.Insights != nil {
		insights = *latest.Insights
	}
	return latest.Preferences, insights, nil
}

// settleBatchItem records the item's outcome once, then either finishes
// the workflow or publishes the next item
func (e *Engine) settleBatchItem(ctx context.Context, item mangaflow.BatchStoryGenerationRequested, genErr error) error {
	logger := resilience.Logger(ctx, e.logger)

	req, err := e.repo.GetRequest(ctx, item.UserID, item.RequestID)
	if err != nil {
		return err
	}
	if !req.Status.IsTerminal() {
		// The outcome could not be written to the request; redeliver
		if genErr != nil {
			return genErr
		}
		return mangaflow.InternalError(fmt.Sprintf("batch request %s is still %s", req.RequestID, req.Status), nil)
	}

	wf, err := e.repo.GetWorkflow(ctx, item.UserID, item.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		mangaflow.LogDuplicate(logger, StageBatchStory, wf.WorkflowID, wf.Status)
		return nil
	}

	final := item.CurrentBatch >= item.TotalBatches
	succeeded := req.Status == mangaflow.StatusCompleted

	if wf.Processed() < item.CurrentBatch {
		outcome := store.BatchOutcome{Succeeded: succeeded, Final: final}
		if !succeeded {
			outcome.ErrorMessage = fmt.Sprintf("story %d of %d failed: %s", item.CurrentBatch, item.TotalBatches, req.ErrorMessage)
			if !final {
				mangaflow.LogBatchItemAbsorbed(logger, item.WorkflowID, item.RequestID, genErr)
			}
		}

		wf, err = e.repo.RecordBatchOutcome(ctx, item.UserID, item.WorkflowID, outcome)
		if errors.Is(err, mangaflow.ErrConditionFailed) {
			if wf != nil {
				mangaflow.LogDuplicate(logger, StageBatchStory, item.WorkflowID, wf.Status)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}

	if wf.Status.IsTerminal() {
		return e.publishBatchStatus(ctx, wf)
	}
	if final {
		return nil
	}
	return e.advanceBatch(ctx, item, wf)
}

// advanceBatch creates the next item's request and publishes its event with
// the same preferences and insights
func (e *Engine) advanceBatch(ctx context.Context, item mangaflow.BatchStoryGenerationRequested, wf *mangaflow.BatchWorkflow) error {
	next := item.CurrentBatch + 1
	nextRequestID := mangaflow.BatchRequestID(wf.RequestID, next)

	err := e.repo.CreateRequest(ctx, &mangaflow.GenerationRequest{
		RequestID:  nextRequestID,
		UserID:     item.UserID,
		Type:       mangaflow.RequestTypeBatchStory,
		Status:     mangaflow.StatusPending,
		WorkflowID: item.WorkflowID,
	})
	if errors.Is(err, mangaflow.ErrAlreadyExists) {
		existing, getErr := e.repo.GetRequest(ctx, item.UserID, nextRequestID)
		if getErr != nil {
			return getErr
		}
		if existing.Status != mangaflow.StatusPending {
			// The next item already started
			return nil
		}
	} else if err != nil {
		return err
	}

	nextItem := item
	nextItem.RequestID = nextRequestID
	nextItem.CurrentBatch = next

	if err := e.publish(ctx, mangaflow.SourceWorkflow, mangaflow.DetailBatchStoryGenerationRequested, nextItem); err != nil {
		return err
	}

	mangaflow.LogBatchAdvanced(resilience.Logger(ctx, e.logger), item.WorkflowID, next, item.TotalBatches)
	return nil
}

// abortBatch fails the whole workflow when no item can ever succeed
func (e *Engine) abortBatch(ctx context.Context, item mangaflow.BatchStoryGenerationRequested, cause error) error {
	msg := errorMessage(cause)
	failed := mangaflow.StatusFailed

	e.cleanup(ctx, item.RequestID, "fail_request", cause, func() error {
		_, err := e.repo.UpdateRequest(ctx, item.UserID, item.RequestID, store.RequestUpdate{Status: &failed, ErrorMessage: &msg})
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil
		}
		return err
	})

	wf, err := e.repo.RecordBatchOutcome(ctx, item.UserID, item.WorkflowID, store.BatchOutcome{
		Succeeded:    false,
		Final:        true,
		ErrorMessage: msg,
	})
	if err == nil {
		_ = e.publishBatchStatus(ctx, wf)
	} else if !errors.Is(err, mangaflow.ErrConditionFailed) {
		mangaflow.LogCleanupFailed(resilience.Logger(ctx, e.logger), item.WorkflowID, "fail_workflow", err, cause)
	}
	return cause
}

// publishBatchStatus reports a workflow that reached a terminal status
func (e *Engine) publishBatchStatus(ctx context.Context, wf *mangaflow.BatchWorkflow) error {
	mangaflow.LogBatchFinished(resilience.Logger(ctx, e.logger), wf)

	return e.publish(ctx, mangaflow.SourceWorkflow, mangaflow.DetailBatchWorkflowStatusUpdated, mangaflow.BatchWorkflowStatusUpdated{
		UserID:           wf.UserID,
		WorkflowID:       wf.WorkflowID,
		Status:           wf.Status,
		NumberOfStories:  wf.NumberOfStories,
		CompletedStories: wf.CompletedStories,
		FailedStories:    wf.FailedStories,
		ErrorMessage:     wf.ErrorMessage,
	})
}
