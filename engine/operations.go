package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// StoryAccepted is returned when a story request has been queued
type StoryAccepted struct {
	RequestID string           `json:"requestId"`
	Status    mangaflow.Status `json:"status"`
}

// BatchAccepted is returned when a batch workflow has been queued
type BatchAccepted struct {
	WorkflowID      string           `json:"workflowId"`
	RequestID       string           `json:"requestId"`
	NumberOfStories int              `json:"numberOfStories"`
	Status          mangaflow.Status `json:"status"`
}

// SubmitPreferences stores a new preferences version together with the
// insights fetched for it and queues a story built from them
func (e *Engine) SubmitPreferences(ctx context.Context, userID string, prefs mangaflow.Preferences) (*StoryAccepted, error) {
	if userID == "" {
		return nil, mangaflow.AuthenticationError("authentication required")
	}
	if err := validatePreferences(prefs); err != nil {
		return nil, err
	}

	ctx = resilience.WithUserID(ctx, userID)

	insights, err := e.fetchInsights(ctx, prefs)
	if err != nil {
		return nil, err
	}

	if _, err := e.repo.AppendPreferences(ctx, userID, prefs, insights); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ctx = resilience.WithRequestID(ctx, requestID)

	req := &mangaflow.GenerationRequest{
		RequestID: requestID,
		UserID:    userID,
		Type:      mangaflow.RequestTypeStory,
		Status:    mangaflow.StatusPending,
	}
	if err := e.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := e.publish(ctx, mangaflow.SourcePreferences, mangaflow.DetailStoryGenerationRequested, mangaflow.StoryGenerationRequested{
		UserID:      userID,
		RequestID:   requestID,
		Preferences: &prefs,
		Insights:    insights,
	}); err != nil {
		e.failRequest(ctx, req, err)
		return nil, err
	}

	return &StoryAccepted{RequestID: requestID, Status: mangaflow.StatusPending}, nil
}

// fetchInsights asks the insight collaborator for cultural context. Without
// a collaborator the insights are empty.
func (e *Engine) fetchInsights(ctx context.Context, prefs mangaflow.Preferences) (*mangaflow.Insights, error) {
	if e.insights == nil {
		return &mangaflow.Insights{Recommendations: []mangaflow.Insight{}}, nil
	}

	insights, err := resilience.Guarded(ctx, e.guard, generation.DependencyInsights, func(ctx context.Context) (*mangaflow.Insights, error) {
		return e.insights.Insights(ctx, prefs)
	})
	if err != nil {
		return nil, err
	}
	if insights == nil {
		insights = &mangaflow.Insights{}
	}
	if insights.Recommendations == nil {
		insights.Recommendations = []mangaflow.Insight{}
	}
	return insights, nil
}

// validatePreferences requires at least one non-blank genre
func validatePreferences(prefs mangaflow.Preferences) error {
	for _, g := range prefs.Genres {
		if strings.TrimSpace(g) != "" {
			return nil
		}
	}
	return mangaflow.ValidationError("at least one genre is required")
}

// StartBatch creates a workflow for numberOfStories stories and publishes
// its first item. Without prefs each item uses the user's latest stored
// preferences.
func (e *Engine) StartBatch(ctx context.Context, userID string, numberOfStories int, prefs *mangaflow.Preferences) (*BatchAccepted, error) {
	if userID == "" {
		return nil, mangaflow.AuthenticationError("authentication required")
	}
	maxStories := e.config.MaxStoriesPerBatch
	if numberOfStories < 1 || numberOfStories > maxStories {
		return nil, mangaflow.ValidationError(fmt.Sprintf("numberOfStories must be between 1 and %d", maxStories))
	}
	if prefs != nil {
		if err := validatePreferences(*prefs); err != nil {
			return nil, err
		}
	}

	workflowID := uuid.NewString()
	baseRequestID := uuid.NewString()
	firstRequestID := mangaflow.BatchRequestID(baseRequestID, 1)
	ctx = resilience.WithRequestID(resilience.WithUserID(ctx, userID), firstRequestID)

	var insights *mangaflow.Insights
	if prefs != nil {
		var err error
		if insights, err = e.fetchInsights(ctx, *prefs); err != nil {
			return nil, err
		}
	}

	wf := &mangaflow.BatchWorkflow{
		WorkflowID:      workflowID,
		UserID:          userID,
		RequestID:       baseRequestID,
		Status:          mangaflow.StatusPending,
		NumberOfStories: numberOfStories,
	}
	if err := e.repo.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	req := &mangaflow.GenerationRequest{
		RequestID:  firstRequestID,
		UserID:     userID,
		Type:       mangaflow.RequestTypeBatchStory,
		Status:     mangaflow.StatusPending,
		WorkflowID: workflowID,
	}
	if err := e.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := e.publish(ctx, mangaflow.SourceWorkflow, mangaflow.DetailBatchStoryGenerationRequested, mangaflow.BatchStoryGenerationRequested{
		UserID:          userID,
		WorkflowID:      workflowID,
		RequestID:       firstRequestID,
		NumberOfStories: numberOfStories,
		CurrentBatch:    1,
		TotalBatches:    numberOfStories,
		Preferences:     prefs,
		Insights:        insights,
	}); err != nil {
		e.failRequest(ctx, req, err)
		if _, cancelErr := e.repo.CancelWorkflow(ctx, userID, workflowID, errorMessage(err)); cancelErr != nil &&
			!errors.Is(cancelErr, mangaflow.ErrConditionFailed) {
			mangaflow.LogCleanupFailed(resilience.Logger(ctx, e.logger), workflowID, "cancel_workflow", cancelErr, err)
		}
		return nil, err
	}

	return &BatchAccepted{
		WorkflowID:      workflowID,
		RequestID:       baseRequestID,
		NumberOfStories: numberOfStories,
		Status:          mangaflow.StatusPending,
	}, nil
}

// CancelBatch stops a running workflow. Items without an outcome count as
// failed; handlers still running observe the terminal status and stop.
func (e *Engine) CancelBatch(ctx context.Context, userID, workflowID string) (*mangaflow.BatchWorkflow, error) {
	if userID == "" {
		return nil, mangaflow.AuthenticationError("authentication required")
	}
	if workflowID == "" {
		return nil, mangaflow.ValidationError("workflowId is required")
	}

	ctx = resilience.WithUserID(ctx, userID)

	wf, err := e.repo.CancelWorkflow(ctx, userID, workflowID, "cancelled by user")
	if err != nil {
		switch {
		case errors.Is(err, mangaflow.ErrItemNotFound):
			return nil, mangaflow.NotFoundError(mangaflow.ErrCodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", workflowID))
		case errors.Is(err, mangaflow.ErrConditionFailed):
			status := mangaflow.Status("terminal")
			if wf != nil {
				status = wf.Status
			}
			return nil, mangaflow.ConflictError("", fmt.Sprintf("workflow %s is already %s", workflowID, status))
		}
		return nil, err
	}

	if err := e.publishBatchStatus(ctx, wf); err != nil {
		mangaflow.LogPersistenceError(resilience.Logger(ctx, e.logger), workflowID, "publish_batch_status", err)
	}
	return wf, nil
}

// failRequest marks a request FAILED after its start event could not be published
func (e *Engine) failRequest(ctx context.Context, req *mangaflow.GenerationRequest, cause error) {
	msg := errorMessage(cause)
	failed := mangaflow.StatusFailed
	e.cleanup(ctx, req.RequestID, "fail_request", cause, func() error {
		_, err := e.repo.UpdateRequest(ctx, req.UserID, req.RequestID, store.RequestUpdate{Status: &failed, ErrorMessage: &msg})
		return err
	})
}
