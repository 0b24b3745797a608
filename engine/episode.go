package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// HandleEpisode generates one episode of a completed story
func (e *Engine) HandleEpisode(ctx context.Context, req mangaflow.EpisodeGenerationRequested, evt mangaflow.Event) error {
	switch {
	case req.UserID == "":
		return mangaflow.ValidationError("userId is required")
	case req.StoryID == "":
		return mangaflow.ValidationError("storyId is required")
	case req.EpisodeNumber < 1:
		return mangaflow.ValidationError("episodeNumber must be at least 1")
	}

	ctx = resilience.WithUserID(ctx, req.UserID)

	story, err := e.loadStory(ctx, req.UserID, req.StoryID)
	if err != nil {
		return err
	}
	ctx = resilience.WithRequestID(ctx, story.RequestID)

	ep, proceed, err := e.claimEpisode(ctx, story, req.EpisodeNumber)
	if err != nil || !proceed {
		return err
	}

	var prefs mangaflow.Preferences
	latest, err := e.repo.LatestPreferences(ctx, req.UserID)
	switch {
	case err == nil:
		prefs = latest.Preferences
	case !errors.Is(err, mangaflow.ErrItemNotFound):
		return err
	}

	storyPath := req.StoryContentPath
	if storyPath == "" {
		storyPath = story.ContentPath
	}

	ep, err = e.writeEpisode(ctx, story, ep, prefs, storyPath)
	if err != nil {
		return e.failEpisode(ctx, story.RequestID, ep, err)
	}

	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          ep.UserID,
		RequestID:       story.RequestID,
		EntityType:      mangaflow.StatusEntityEpisode,
		Status:          mangaflow.StatusCompleted,
		RelatedEntityID: ep.EpisodeID,
	})
	return e.requestImages(ctx, ep)
}

// loadStory loads a story owned by userID
func (e *Engine) loadStory(ctx context.Context, userID, storyID string) (*mangaflow.Story, error) {
	story, err := e.repo.GetStory(ctx, userID, storyID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, mangaflow.NotFoundError(mangaflow.ErrCodeStoryNotFound, fmt.Sprintf("story %s not found", storyID))
		}
		return nil, err
	}
	return story, nil
}

// claimEpisode returns the episode record to generate into, creating it on
// first delivery. It reports false when the episode is already terminal.
func (e *Engine) claimEpisode(ctx context.Context, story *mangaflow.Story, number int) (*mangaflow.Episode, bool, error) {
	ep := &mangaflow.Episode{
		EpisodeID:     uuid.NewString(),
		StoryID:       story.StoryID,
		UserID:        story.UserID,
		EpisodeNumber: number,
		Status:        mangaflow.StatusGenerating,
	}

	err := e.repo.CreateEpisode(ctx, ep)
	if err == nil {
		return ep, true, nil
	}
	if !errors.Is(err, mangaflow.ErrAlreadyExists) {
		return nil, false, err
	}

	existing, err := e.repo.GetEpisode(ctx, story.StoryID, number)
	if err != nil {
		return nil, false, err
	}
	if existing.Status.IsTerminal() {
		mangaflow.LogDuplicate(resilience.Logger(ctx, e.logger), StageEpisode, existing.EpisodeID, existing.Status)
		return existing, false, nil
	}
	return existing, true, nil
}

// writeEpisode generates the episode text from the story and the previous
// episode, stores it and marks the episode COMPLETED
func (e *Engine) writeEpisode(ctx context.Context, story *mangaflow.Story, ep *mangaflow.Episode, prefs mangaflow.Preferences, storyPath string) (*mangaflow.Episode, error) {
	storyText, err := e.readContent(ctx, storyPath)
	if err != nil {
		return ep, err
	}

	var previous string
	if ep.EpisodeNumber > 1 {
		previous, err = e.readContent(ctx, content.EpisodePath(ep.UserID, ep.StoryID, ep.EpisodeNumber-1))
		if err != nil && mangaflow.AsAppError(err).Code != mangaflow.ErrCodeNotFound {
			return ep, err
		}
	}

	text, err := resilience.Guarded(ctx, e.guard, generation.DependencyText, func(ctx context.Context) (string, error) {
		return e.text.GenerateEpisode(ctx, generation.EpisodeInput{
			StoryTitle:      story.Title,
			StoryContent:    storyText,
			EpisodeNumber:   ep.EpisodeNumber,
			Preferences:     prefs,
			PreviousEpisode: previous,
		})
	})
	if err != nil {
		return ep, err
	}

	parsed := generation.ParseContent(text, fmt.Sprintf("Episode %d", ep.EpisodeNumber))
	path := content.EpisodePath(ep.UserID, ep.StoryID, ep.EpisodeNumber)
	if err := e.putContent(ctx, path, parsed.Body, map[string]string{
		"user-id":        ep.UserID,
		"story-id":       ep.StoryID,
		"episode-id":     ep.EpisodeID,
		"episode-number": mangaflow.PadEpisodeNumber(ep.EpisodeNumber),
		"title":          parsed.Title,
	}); err != nil {
		return ep, err
	}

	completed := mangaflow.StatusCompleted
	updated, err := e.repo.UpdateEpisode(ctx, ep.StoryID, ep.EpisodeNumber, store.EpisodeUpdate{
		Status:      &completed,
		Title:       &parsed.Title,
		ContentPath: &path,
	})
	if err != nil {
		return ep, err
	}
	return updated, nil
}

// failEpisode marks the episode FAILED, publishes a FAILED status event and
// returns cause
func (e *Engine) failEpisode(ctx context.Context, requestID string, ep *mangaflow.Episode, cause error) error {
	msg := errorMessage(cause)
	failed := mangaflow.StatusFailed

	e.cleanup(ctx, ep.EpisodeID, "fail_episode", cause, func() error {
		_, err := e.repo.UpdateEpisode(ctx, ep.StoryID, ep.EpisodeNumber, store.EpisodeUpdate{Status: &failed, ErrorMessage: &msg})
		return err
	})

	_ = e.publishStatus(ctx, mangaflow.GenerationStatusUpdated{
		UserID:          ep.UserID,
		RequestID:       requestID,
		EntityType:      mangaflow.StatusEntityEpisode,
		Status:          mangaflow.StatusFailed,
		RelatedEntityID: ep.EpisodeID,
		ErrorMessage:    msg,
	})
	return cause
}

// requestImages hands a finished episode to the image stage when enabled
func (e *Engine) requestImages(ctx context.Context, ep *mangaflow.Episode) error {
	if !e.config.GenerateImages {
		return nil
	}
	return e.publish(ctx, mangaflow.SourceStory, mangaflow.DetailImageGenerationRequested, mangaflow.ImageGenerationRequested{
		UserID:             ep.UserID,
		StoryID:            ep.StoryID,
		EpisodeID:          ep.EpisodeID,
		EpisodeNumber:      ep.EpisodeNumber,
		EpisodeContentPath: ep.ContentPath,
	})
}
