package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sicko7947/mangaflow"
)

// WorkflowProgress is a batch workflow and its processed fraction
type WorkflowProgress struct {
	*mangaflow.BatchWorkflow
	Progress float64 `json:"progress"`
}

// StoryWithEpisodes is a story and its episodes in episode order
type StoryWithEpisodes struct {
	*mangaflow.Story
	Episodes []*mangaflow.Episode `json:"episodes"`
}

// Eligibility reports whether a story can be continued right now
type Eligibility struct {
	StoryID           string           `json:"storyId"`
	Eligible          bool             `json:"eligible"`
	Reason            string           `json:"reason,omitempty"`
	StoryStatus       mangaflow.Status `json:"storyStatus"`
	NextEpisodeNumber int              `json:"nextEpisodeNumber"`
	HasPreferences    bool             `json:"hasPreferences"`
}

// WorkflowProgress returns a workflow owned by userID
func (e *Engine) WorkflowProgress(ctx context.Context, userID, workflowID string) (*WorkflowProgress, error) {
	wf, err := e.repo.GetWorkflow(ctx, userID, workflowID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, mangaflow.NotFoundError(mangaflow.ErrCodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", workflowID))
		}
		return nil, err
	}
	return &WorkflowProgress{BatchWorkflow: wf, Progress: wf.Progress()}, nil
}

// StoryWithEpisodes returns a story owned by userID together with its episodes
func (e *Engine) StoryWithEpisodes(ctx context.Context, userID, storyID string) (*StoryWithEpisodes, error) {
	story, err := e.loadStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	episodes, err := e.repo.ListEpisodes(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if episodes == nil {
		episodes = []*mangaflow.Episode{}
	}
	return &StoryWithEpisodes{Story: story, Episodes: episodes}, nil
}

// ContinuationEligibility runs the continuation preconditions without
// creating anything. A missing story is still an error.
func (e *Engine) ContinuationEligibility(ctx context.Context, userID, storyID string) (*Eligibility, error) {
	story, err := e.loadStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}

	next, err := e.repo.NextEpisodeNumber(ctx, storyID)
	if err != nil {
		return nil, err
	}

	_, err = e.repo.LatestPreferences(ctx, userID)
	hasPrefs := err == nil
	if err != nil && !errors.Is(err, mangaflow.ErrItemNotFound) {
		return nil, err
	}

	out := &Eligibility{
		StoryID:           storyID,
		StoryStatus:       story.Status,
		NextEpisodeNumber: next,
		HasPreferences:    hasPrefs,
	}
	switch {
	case story.Status != mangaflow.StatusCompleted:
		out.Reason = mangaflow.ErrCodeStoryNotCompleted
	case !hasPrefs:
		out.Reason = mangaflow.ErrCodePreferencesNotFound
	default:
		out.Eligible = true
	}
	return out, nil
}

// RequestStatus returns a generation request owned by userID
func (e *Engine) RequestStatus(ctx context.Context, userID, requestID string) (*mangaflow.GenerationRequest, error) {
	req, err := e.repo.GetRequest(ctx, userID, requestID)
	if err != nil {
		if errors.Is(err, mangaflow.ErrItemNotFound) {
			return nil, mangaflow.NewAppError(mangaflow.ErrCodeRequestNotFound,
				fmt.Sprintf("request %s not found", requestID), http.StatusNotFound)
		}
		return nil, err
	}
	return req, nil
}

// StoriesByStatus lists stories across users in the given status, newest first
func (e *Engine) StoriesByStatus(ctx context.Context, status mangaflow.Status, limit int) ([]*mangaflow.Story, error) {
	switch status {
	case mangaflow.StatusPending, mangaflow.StatusProcessing, mangaflow.StatusCompleted, mangaflow.StatusFailed:
	default:
		return nil, mangaflow.ValidationError(fmt.Sprintf("unsupported story status %q", status))
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return e.repo.ListStoriesByStatus(ctx, status, limit)
}
