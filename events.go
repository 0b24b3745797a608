package mangaflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event sources
const (
	SourcePreferences = "manga.preferences"
	SourceWorkflow    = "manga.workflow"
	SourceStory       = "manga.story"
	SourceEpisode     = "manga.episode"
	SourceImage       = "manga.image"
)

// Event detail types
const (
	DetailStoryGenerationRequested      = "Story Generation Requested"
	DetailBatchStoryGenerationRequested = "Batch Story Generation Requested"
	DetailEpisodeGenerationRequested    = "Episode Generation Requested"
	DetailContinueEpisodeRequested      = "Continue Episode Requested"
	DetailImageGenerationRequested      = "Image Generation Requested"
	DetailGenerationStatusUpdated       = "Generation Status Updated"
	DetailBatchWorkflowStatusUpdated    = "Batch Workflow Status Updated"
)

// Event is the envelope carried by the bus
type Event struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	DetailType    string          `json:"detail-type"`
	Detail        json.RawMessage `json:"detail"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEvent marshals detail into a fresh envelope
func NewEvent(source, detailType string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s detail: %w", detailType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Source:     source,
		DetailType: detailType,
		Detail:     raw,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// DecodeDetail unmarshals the event detail into T
func DecodeDetail[T any](evt Event) (T, error) {
	var out T
	if len(evt.Detail) == 0 {
		return out, fmt.Errorf("event %s has no detail", evt.ID)
	}
	if err := json.Unmarshal(evt.Detail, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s detail: %w", evt.DetailType, err)
	}
	return out, nil
}

// StoryGenerationRequested starts a single story
type StoryGenerationRequested struct {
	UserID      string       `json:"userId"`
	RequestID   string       `json:"requestId"`
	Preferences *Preferences `json:"preferences"`
	Insights    *Insights    `json:"insights"`
}

// BatchStoryGenerationRequested is one item of a batch workflow
type BatchStoryGenerationRequested struct {
	UserID          string       `json:"userId"`
	WorkflowID      string       `json:"workflowId"`
	RequestID       string       `json:"requestId"`
	NumberOfStories int          `json:"numberOfStories"`
	CurrentBatch    int          `json:"currentBatch"`
	TotalBatches    int          `json:"totalBatches"`
	Preferences     *Preferences `json:"preferences,omitempty"`
	Insights        *Insights    `json:"insights,omitempty"`
}

// EpisodeGenerationRequested asks for one episode of a completed story
type EpisodeGenerationRequested struct {
	UserID           string `json:"userId"`
	StoryID          string `json:"storyId"`
	StoryContentPath string `json:"storyContentPath"`
	EpisodeNumber    int    `json:"episodeNumber"`
}

// ContinueEpisodeRequested asks for the next episode of a completed story
type ContinueEpisodeRequested struct {
	UserID              string      `json:"userId"`
	StoryID             string      `json:"storyId"`
	NextEpisodeNumber   int         `json:"nextEpisodeNumber"`
	OriginalPreferences Preferences `json:"originalPreferences"`
	StoryContentPath    string      `json:"storyContentPath"`
	ContinuationID      string      `json:"continuationId,omitempty"`
	EpisodeID           string      `json:"episodeId,omitempty"`
	RequestID           string      `json:"requestId,omitempty"`
}

// ImageGenerationRequested hands a finished episode to the image stage
type ImageGenerationRequested struct {
	UserID             string `json:"userId"`
	StoryID            string `json:"storyId"`
	EpisodeID          string `json:"episodeId"`
	EpisodeNumber      int    `json:"episodeNumber"`
	EpisodeContentPath string `json:"episodeContentPath"`
}

// GenerationStatusUpdated reports a status change of one generated entity
type GenerationStatusUpdated struct {
	UserID          string           `json:"userId"`
	RequestID       string           `json:"requestId"`
	EntityType      StatusEntityType `json:"entityType"`
	Status          Status           `json:"status"`
	RelatedEntityID string           `json:"relatedEntityId"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

// BatchWorkflowStatusUpdated reports a batch workflow reaching a terminal status
type BatchWorkflowStatusUpdated struct {
	UserID           string `json:"userId"`
	WorkflowID       string `json:"workflowId"`
	Status           Status `json:"status"`
	NumberOfStories  int    `json:"numberOfStories"`
	CompletedStories int    `json:"completedStories"`
	FailedStories    int    `json:"failedStories"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// StatusSource maps a status entity to its event source
func StatusSource(entity StatusEntityType) string {
	switch entity {
	case StatusEntityEpisode:
		return SourceEpisode
	case StatusEntityImage:
		return SourceImage
	default:
		return SourceStory
	}
}
