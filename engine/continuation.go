package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// ContinuationAccepted is returned when a continuation has been queued
type ContinuationAccepted struct {
	EpisodeID               string           `json:"episodeId"`
	EpisodeNumber           int              `json:"episodeNumber"`
	Status                  mangaflow.Status `json:"status"`
	EstimatedCompletionTime time.Time        `json:"estimatedCompletionTime"`
	Message                 string           `json:"message"`
	ContinuationID          string           `json:"continuationId"`
	RequestID               string           `json:"requestId"`
}

// RequestContinuation queues the next episode of a completed story. The
// preconditions are checked in order: the story exists and belongs to the
// user, it is COMPLETED, and the user has stored preferences.
func (e *Engine) RequestContinuation(ctx context.Context, userID, storyID string) (*ContinuationAccepted, error) {
	if userID == "" {
		return nil, mangaflow.AuthenticationError("authentication required")
	}
	if storyID == "" {
		return nil, mangaflow.ValidationError("storyId is required")
	}
	// story ids are UUIDs, so anything else names no story
	if err := uuid.Validate(storyID); err != nil {
		return nil, mangaflow.NotFoundError(mangaflow.ErrCodeStoryNotFound, fmt.Sprintf("story %s not found", storyID))
	}

	ctx = resilience.WithUserID(ctx, userID)

	story, err := e.loadStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status != mangaflow.StatusCompleted {
		return nil, mangaflow.NewAppError(mangaflow.ErrCodeStoryNotCompleted,
			fmt.Sprintf("story is %s; only completed stories can be continued", story.Status), http.StatusBadRequest)
	}

	prefs, err := e.repo.LatestPreferences(ctx, userID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, mangaflow.NewAppError(mangaflow.ErrCodePreferencesNotFound,
				"no stored preferences; submit preferences before continuing a story", http.StatusBadRequest)
		}
		return nil, err
	}

	next, err := e.repo.NextEpisodeNumber(ctx, storyID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ctx = resilience.WithRequestID(ctx, requestID)

	cont := &mangaflow.EpisodeContinuation{
		ContinuationID: uuid.NewString(),
		StoryID:        storyID,
		UserID:         userID,
		RequestID:      requestID,
		EpisodeID:      uuid.NewString(),
		EpisodeNumber:  next,
		Status:         mangaflow.StatusRequested,
	}

	if err := e.repo.CreateRequest(ctx, &mangaflow.GenerationRequest{
		RequestID:       requestID,
		UserID:          userID,
		Type:            mangaflow.RequestTypeContinuation,
		Status:          mangaflow.StatusPending,
		RelatedEntityID: cont.EpisodeID,
	}); err != nil {
		return nil, err
	}
	if err := e.repo.CreateContinuation(ctx, cont); err != nil {
		return nil, err
	}

	if err := e.publish(ctx, mangaflow.SourceStory, mangaflow.DetailContinueEpisodeRequested, mangaflow.ContinueEpisodeRequested{
		UserID:              userID,
		StoryID:             storyID,
		NextEpisodeNumber:   next,
		OriginalPreferences: prefs.Preferences,
		StoryContentPath:    story.ContentPath,
		ContinuationID:      cont.ContinuationID,
		EpisodeID:           cont.EpisodeID,
		RequestID:           requestID,
	}); err != nil {
		e.failContinuation(ctx, cont, nil, err)
		return nil, err
	}

	return &ContinuationAccepted{
		EpisodeID:               cont.EpisodeID,
		EpisodeNumber:           next,
		Status:                  mangaflow.StatusGenerating,
		EstimatedCompletionTime: e.now().UTC().Add(e.config.EstimatedCompletionTime),
		Message:                 fmt.Sprintf("Episode %d generation started", next),
		ContinuationID:          cont.ContinuationID,
		RequestID:               requestID,
	}, nil
}

// HandleContinueEpisode generates the episode a continuation asked for. The
// continuation moves REQUESTED -> GENERATING -> COMPLETED or FAILED. If the
// episode number was claimed by someone else in the meantime the
// continuation fails with EPISODE_NUMBER_CLAIMED.
func (e *Engine) HandleContinueEpisode(ctx context.Context, req mangaflow.ContinueEpisodeRequested, evt mangaflow.Event) error {
	switch {
	case req.UserID == "":
		return mangaflow.ValidationError("userId is required")
	case req.StoryID == "":
		return mangaflow.ValidationError("storyId is required")
	case req.NextEpisodeNumber < 1:
		return mangaflow.ValidationError("nextEpisodeNumber must be at least 1")
	}

	ctx = resilience.WithUserID(ctx, req.UserID)
	if req.RequestID != "" {
		ctx = resilience.WithRequestID(ctx, req.RequestID)
	}
	logger := resilience.Logger(ctx, e.logger)

	cont, err := e.startContinuation(ctx, req)
	if err != nil || cont == nil {
		return err
	}

	story, err := e.loadStory(ctx, req.UserID, req.StoryID)
	if err != nil {
		e.failContinuation(ctx, cont, nil, err)
		return err
	}

	ep := &mangaflow.Episode{
		EpisodeID:      cont.EpisodeID,
		StoryID:        req.StoryID,
		UserID:         req.UserID,
		EpisodeNumber:  req.NextEpisodeNumber,
		Status:         mangaflow.StatusGenerating,
		ContinuationID: cont.ContinuationID,
	}
	if err := e.repo.CreateEpisode(ctx, ep); err != nil {
		if !errors.Is(err, mangaflow.ErrAlreadyExists) {
			e.failContinuation(ctx, cont, nil, err)
			return err
		}

		existing, getErr := e.repo.GetEpisode(ctx, req.StoryID, req.NextEpisodeNumber)
		if getErr != nil {
			return getErr
		}
		if existing.EpisodeID != cont.EpisodeID {
			conflict := mangaflow.ConflictError(mangaflow.ErrCodeEpisodeNumberClaimed,
				fmt.Sprintf("episode %d of story %s was already claimed", req.NextEpisodeNumber, req.StoryID))
			e.failContinuation(ctx, cont, nil, conflict)
			return conflict
		}
		if existing.Status.IsTerminal() {
			// A previous delivery finished the episode; settle the continuation
			mangaflow.LogDuplicate(logger, StageContinuation, existing.EpisodeID, existing.Status)
			if existing.Status == mangaflow.StatusCompleted {
				return e.completeContinuation(ctx, cont, existing)
			}
			e.failContinuation(ctx, cont, nil, errors.New(existing.ErrorMessage))
			return nil
		}
		ep = existing
	}

	storyPath := req.StoryContentPath
	if storyPath == "" {
		storyPath = story.ContentPath
	}

	ep, err = e.writeEpisode(ctx, story, ep, req.OriginalPreferences, storyPath)
	if err != nil {
		e.failContinuation(ctx, cont, ep, err)
		return err
	}

	return e.completeContinuation(ctx, cont, ep)
}

// startContinuation moves the continuation to GENERATING and its request to
// PROCESSING. A nil continuation without error means the work is already done.
func (e *Engine) startContinuation(ctx context.Context, req mangaflow.ContinueEpisodeRequested) (*mangaflow.EpisodeContinuation, error) {
	logger := resilience.Logger(ctx, e.logger)

	if req.ContinuationID == "" {
		// Producers outside the API may omit the record; track the work anyway
		cont := &mangaflow.EpisodeContinuation{
			ContinuationID: uuid.NewString(),
			StoryID:        req.StoryID,
			UserID:         req.UserID,
			RequestID:      req.RequestID,
			EpisodeID:      req.EpisodeID,
			EpisodeNumber:  req.NextEpisodeNumber,
			Status:         mangaflow.StatusGenerating,
		}
		if cont.EpisodeID == "" {
			cont.EpisodeID = uuid.NewString()
		}
		if err := e.repo.CreateContinuation(ctx, cont); err != nil {
			return nil, err
		}
		return cont, nil
	}

	cont, err := e.repo.GetContinuation(ctx, req.StoryID, req.ContinuationID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, mangaflow.NotFoundError("", fmt.Sprintf("continuation %s not found", req.ContinuationID))
		}
		return nil, err
	}
	if cont.Status.IsTerminal() {
		mangaflow.LogDuplicate(logger, StageContinuation, cont.ContinuationID, cont.Status)
		return nil, nil
	}

	generating := mangaflow.StatusGenerating
	updated, err := e.repo.UpdateContinuation(ctx, cont.StoryID, cont.ContinuationID, store.ContinuationUpdate{Status: &generating})
	if err != nil {
		if errors.Is(err, mangaflow.ErrConditionFailed) {
			mangaflow.LogDuplicate(logger, StageContinuation, cont.ContinuationID, mangaflow.StatusCompleted)
			return nil, nil
		}
		return nil, err
	}

	if cont.RequestID != "" {
		processing := mangaflow.StatusProcessing
		if _, err := e.repo.UpdateRequest(ctx, cont.UserID, cont.RequestID, store.RequestUpdate{Status: &processing}); err != nil &&
			!errors.Is(err, mangaflow.ErrConditionFailed) {
			return nil, err
		}
	}
	return updated, nil
}

// completeContinuation settles the continuation and its request after the
// episode was written
func (e *Engine) completeContinuation(ctx context.Context, cont *mangaflow.EpisodeContinuation, ep *mangaflow.Episode) error {
	completed := mangaflow.StatusCompleted

	if _, err := e.repo.UpdateContinuation(ctx, cont.StoryID, cont.ContinuationID, store.ContinuationUpdate{
		Status:    &completed,
		EpisodeID: &ep.EpisodeID,
	}); err != nil && !errors.Is(err, mangaflow.ErrConditionFailed) {
		return err
	}
	if cont.RequestID != "" {
		if _, err := e.repo.UpdateRequest(ctx, cont.UserID, cont.RequestID, store.RequestUpdate{
			Status:          &completed,
			RelatedEntityID: &ep.EpisodeID,
		}); err != nil && !errors.Is(err, mangaflow.ErrConditionFailed) {
			return err
		}
	}

	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          ep.UserID,
		RequestID:       cont.RequestID,
		EntityType:      mangaflow.StatusEntityEpisode,
		Status:          mangaflow.StatusCompleted,
		RelatedEntityID: ep.EpisodeID,
	})
	return e.requestImages(ctx, ep)
}

// failContinuation records cause on the episode (when claimed by this
// continuation), the continuation and its request
func (e *Engine) failContinuation(ctx context.Context, cont *mangaflow.EpisodeContinuation, ep *mangaflow.Episode, cause error) {
	msg := errorMessage(cause)
	failed := mangaflow.StatusFailed

	if ep != nil {
		e.cleanup(ctx, ep.EpisodeID, "fail_episode", cause, func() error {
			_, err := e.repo.UpdateEpisode(ctx, ep.StoryID, ep.EpisodeNumber, store.EpisodeUpdate{Status: &failed, ErrorMessage: &msg})
			return err
		})
	}
	e.cleanup(ctx, cont.ContinuationID, "fail_continuation", cause, func() error {
		_, err := e.repo.UpdateContinuation(ctx, cont.StoryID, cont.ContinuationID, store.ContinuationUpdate{Status: &failed, ErrorMessage: &msg})
		return err
	})
	if cont.RequestID != "" {
		e.cleanup(ctx, cont.RequestID, "fail_request", cause, func() error {
			_, err := e.repo.UpdateRequest(ctx, cont.UserID, cont.RequestID, store.RequestUpdate{Status: &failed, ErrorMessage: &msg})
			return err
		})
	}

	relatedID := cont.EpisodeID
	if ep != nil {
		relatedID = ep.EpisodeID
	}
	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          cont.UserID,
		RequestID:       cont.RequestID,
		EntityType:      mangaflow.StatusEntityEpisode,
		Status:          mangaflow.StatusFailed,
		RelatedEntityID: relatedID,
		ErrorMessage:    msg,
	})
}
