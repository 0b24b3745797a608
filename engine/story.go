package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// errAlreadyTerminal reports that another delivery finished the request first
var errAlreadyTerminal = errors.New("request already reached a terminal status")

// storyJob is one story to generate, standalone or as a batch item
type storyJob struct {
	userID     string
	requestID  string
	workflowID string
	prefs      mangaflow.Preferences
	insights   mangaflow.Insights
	// storyID is the story an earlier delivery already linked to the request
	storyID    string
}

// HandleStory generates a single story. A failure is recorded on the story
// and its request, then returned so the bus can redeliver or dead-letter.
func (e *Engine) HandleStory(ctx context.Context, req mangaflow.StoryGenerationRequested, evt mangaflow.Event) error {
	switch {
	case req.UserID == "":
		return mangaflow.ValidationError("userId is required")
	case req.RequestID == "":
		return mangaflow.ValidationError("requestId is required")
	case req.Preferences == nil:
		return mangaflow.ValidationError("preferences are required")
	case req.Insights == nil:
		return mangaflow.ValidationError("insights are required")
	}

	ctx = resilience.WithRequestID(resilience.WithUserID(ctx, req.UserID), req.RequestID)

	current, proceed, err := e.claimRequest(ctx, StageStory, &mangaflow.GenerationRequest{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Type:      mangaflow.RequestTypeStory,
	})
	if err != nil || !proceed {
		return err
	}

	_, err = e.generateStory(ctx, storyJob{
		userID:    req.UserID,
		requestID: req.RequestID,
		prefs:     *req.Preferences,
		insights:  *req.Insights,
		storyID:   current.RelatedEntityID,
	})
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	return err
}

// claimRequest loads the request, creating it when the producer did not.
// It reports false when the request is already terminal.
func (e *Engine) claimRequest(ctx context.Context, stage string, req *mangaflow.GenerationRequest) (*mangaflow.GenerationRequest, bool, error) {
	current, err := e.repo.GetRequest(ctx, req.UserID, req.RequestID)
	if errors.Is(err, mangaflow.ErrItemNotFound) {
		req.Status = mangaflow.StatusPending
		err = e.repo.CreateRequest(ctx, req)
		if err == nil {
			return req, true, nil
		}
		if !errors.Is(err, mangaflow.ErrAlreadyExists) {
			return nil, false, err
		}
		current, err = e.repo.GetRequest(ctx, req.UserID, req.RequestID)
	}
	if err != nil {
		return nil, false, err
	}

	if current.Status.IsTerminal() {
		mangaflow.LogDuplicate(resilience.Logger(ctx, e.logger), stage, current.RequestID, current.Status)
		return current, false, nil
	}
	return current, true, nil
}

// generateStory runs the story stage: mark the request PROCESSING, generate,
// persist the body and metadata, hand episode 1 to the episode stage, then
// complete the request. Failures before the story is stored are recorded on
// the story and the request before being returned. A failed hand-over
// leaves the request PROCESSING so a redelivery resumes from the stored
// story.
func (e *Engine) generateStory(ctx context.Context, job storyJob) (*mangaflow.Story, error) {
	if job.storyID != "" {
		previous, err := e.repo.GetStory(ctx, job.userID, job.storyID)
		if err != nil && !errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, err
		}
		if err == nil && previous.Status == mangaflow.StatusCompleted {
			return e.finishStory(ctx, job, previous)
		}
	}

	storyID := uuid.NewString()

	processing := mangaflow.StatusProcessing
	if _, err := e.repo.UpdateRequest(ctx, job.userID, job.requestID, store.RequestUpdate{
		Status:          &processing,
		RelatedEntityID: &storyID,
	}); err != nil {
		if errors.Is(err, mangaflow.ErrConditionFailed) {
			status := mangaflow.StatusCompleted
			if current, getErr := e.repo.GetRequest(ctx, job.userID, job.requestID); getErr == nil {
				status = current.Status
			}
			mangaflow.LogDuplicate(resilience.Logger(ctx, e.logger), StageStory, job.requestID, status)
			return nil, errAlreadyTerminal
		}
		return nil, err
	}

	story := &mangaflow.Story{
		StoryID:    storyID,
		UserID:     job.userID,
		RequestID:  job.requestID,
		WorkflowID: job.workflowID,
		Status:     mangaflow.StatusProcessing,
	}
	if err := e.repo.CreateStory(ctx, story); err != nil {
		return nil, e.failStory(ctx, job, storyID, false, err)
	}

	text, err := resilience.Guarded(ctx, e.guard, generation.DependencyText, func(ctx context.Context) (string, error) {
		return e.text.GenerateStory(ctx, job.prefs, job.insights)
	})
	if err != nil {
		return nil, e.failStory(ctx, job, storyID, true, err)
	}

	parsed := generation.ParseStory(text)
	path := content.StoryPath(job.userID, storyID)
	if err := e.putContent(ctx, path, parsed.Body, map[string]string{
		"user-id":  job.userID,
		"story-id": storyID,
		"title":    parsed.Title,
	}); err != nil {
		return nil, e.failStory(ctx, job, storyID, true, err)
	}

	completed := mangaflow.StatusCompleted
	story, err = e.repo.UpdateStory(ctx, job.userID, storyID, store.StoryUpdate{
		Status:      &completed,
		Title:       &parsed.Title,
		ContentPath: &path,
	})
	if err != nil {
		return nil, e.failStory(ctx, job, storyID, true, err)
	}

	return e.finishStory(ctx, job, story)
}

// finishStory hands episode 1 of a stored story to the episode stage, then
// completes the request. The request stays PROCESSING until the hand-over
// succeeded, so a COMPLETED request always has its first episode requested.
func (e *Engine) finishStory(ctx context.Context, job storyJob, story *mangaflow.Story) (*mangaflow.Story, error) {
	if err := e.publish(ctx, mangaflow.SourceStory, mangaflow.DetailEpisodeGenerationRequested, mangaflow.EpisodeGenerationRequested{
		UserID:           job.userID,
		StoryID:          story.StoryID,
		StoryContentPath: story.ContentPath,
		EpisodeNumber:    1,
	}); err != nil {
		return nil, err
	}

	completed := mangaflow.StatusCompleted
	if _, err := e.repo.UpdateRequest(ctx, job.userID, job.requestID, store.RequestUpdate{Status: &completed}); err != nil {
		if errors.Is(err, mangaflow.ErrConditionFailed) {
			mangaflow.LogDuplicate(resilience.Logger(ctx, e.logger), StageStory, job.requestID, completed)
			return story, errAlreadyTerminal
		}
		return nil, err
	}

	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          job.userID,
		RequestID:       job.requestID,
		EntityType:      mangaflow.StatusEntityStory,
		Status:          mangaflow.StatusCompleted,
		RelatedEntityID: story.StoryID,
	})
	return story, nil
}

// failStory records cause on the story (when created) and the request,
// publishes a FAILED status event and returns cause
func (e *Engine) failStory(ctx context.Context, job storyJob, storyID string, storyCreated bool, cause error) error {
	msg := errorMessage(cause)
	failed := mangaflow.StatusFailed

	if storyCreated {
		e.cleanup(ctx, storyID, "fail_story", cause, func() error {
			_, err := e.repo.UpdateStory(ctx, job.userID, storyID, store.StoryUpdate{Status: &failed, ErrorMessage: &msg})
			return err
		})
	}
	e.cleanup(ctx, job.requestID, "fail_request", cause, func() error {
		_, err := e.repo.UpdateRequest(ctx, job.userID, job.requestID, store.RequestUpdate{Status: &failed, ErrorMessage: &msg})
		return err
	})

	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          job.userID,
		RequestID:       job.requestID,
		EntityType:      mangaflow.StatusEntityStory,
		Status:          mangaflow.StatusFailed,
		RelatedEntityID: storyID,
		ErrorMessage:    msg,
	})
	return cause
}
