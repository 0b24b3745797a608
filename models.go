package mangaflow

import "time"

// EntityType names the kind of item stored in the shared table
type EntityType string

const (
	EntityUserProfile         EntityType = "UserProfile"
	EntityUserPreferences     EntityType = "UserPreferences"
	EntityStory               EntityType = "Story"
	EntityEpisode             EntityType = "Episode"
	EntityGenerationRequest   EntityType = "GenerationRequest"
	EntityBatchWorkflow       EntityType = "BatchWorkflow"
	EntityEpisodeContinuation EntityType = "EpisodeContinuation"
)

// String returns the string representation
func (t EntityType) String() string {
	return string(t)
}

// Status is the lifecycle state shared by every status-indexed entity.
// Not every entity uses every value: stories and episodes never become
// REQUESTED, continuations never become PENDING.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRequested  Status = "REQUESTED"
	StatusProcessing Status = "PROCESSING"
	StatusGenerating Status = "GENERATING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if the status is a final state
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// TerminalStatuses lists every final status
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// StatusEntityType is the entity named by a status event
type StatusEntityType string

const (
	StatusEntityStory   StatusEntityType = "STORY"
	StatusEntityEpisode StatusEntityType = "EPISODE"
	StatusEntityImage   StatusEntityType = "IMAGE"
)

// RequestType classifies a GenerationRequest
type RequestType string

const (
	RequestTypeStory        RequestType = "STORY"
	RequestTypeBatchStory   RequestType = "BATCH_STORY"
	RequestTypeEpisode      RequestType = "EPISODE"
	RequestTypeContinuation RequestType = "CONTINUATION"
)

// Preferences is the user's taste profile
type Preferences struct {
	Genres         []string `json:"genres" dynamodbav:"genres"`
	Themes         []string `json:"themes,omitempty" dynamodbav:"themes,omitempty"`
	ArtStyle       string   `json:"artStyle,omitempty" dynamodbav:"art_style,omitempty"`
	Mood           string   `json:"mood,omitempty" dynamodbav:"mood,omitempty"`
	Setting        string   `json:"setting,omitempty" dynamodbav:"setting,omitempty"`
	Characters     []string `json:"characters,omitempty" dynamodbav:"characters,omitempty"`
	TargetAudience string   `json:"targetAudience,omitempty" dynamodbav:"target_audience,omitempty"`
}

// Insight is one cultural recommendation returned by the insight service
type Insight struct {
	Name        string   `json:"name" dynamodbav:"name"`
	Type        string   `json:"type,omitempty" dynamodbav:"type,omitempty"`
	Description string   `json:"description,omitempty" dynamodbav:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
}

// Insights is the cultural context used alongside Preferences
type Insights struct {
	Recommendations []Insight `json:"recommendations" dynamodbav:"recommendations"`
	Trends          []string  `json:"trends,omitempty" dynamodbav:"trends,omitempty"`
}

// UserProfile is created once, on first successful authentication
type UserProfile struct {
	UserID    string    `json:"userId" dynamodbav:"user_id"`
	Email     string    `json:"email,omitempty" dynamodbav:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
}

// UserPreferences is one immutable version of a user's taste profile.
// The current profile is the version with the most recent CreatedAt.
type UserPreferences struct {
	UserID      string      `json:"userId" dynamodbav:"user_id"`
	Preferences Preferences `json:"preferences" dynamodbav:"preferences"`
	Insights    *Insights   `json:"insights,omitempty" dynamodbav:"insights,omitempty"`
	CreatedAt   time.Time   `json:"createdAt" dynamodbav:"created_at"`
}

// Story is the generated story and its metadata
type Story struct {
	StoryID      string    `json:"storyId" dynamodbav:"story_id"`
	UserID       string    `json:"userId" dynamodbav:"user_id"`
	RequestID    string    `json:"requestId,omitempty" dynamodbav:"request_id,omitempty"`
	WorkflowID   string    `json:"workflowId,omitempty" dynamodbav:"workflow_id,omitempty"`
	Title        string    `json:"title,omitempty" dynamodbav:"title,omitempty"`
	Status       Status    `json:"status" dynamodbav:"status"`
	ContentPath  string    `json:"contentPath,omitempty" dynamodbav:"content_path,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// Episode is one installment of a story
type Episode struct {
	EpisodeID      string    `json:"episodeId" dynamodbav:"episode_id"`
	StoryID        string    `json:"storyId" dynamodbav:"story_id"`
	UserID         string    `json:"userId" dynamodbav:"user_id"`
	EpisodeNumber  int       `json:"episodeNumber" dynamodbav:"episode_number"`
	Title          string    `json:"title,omitempty" dynamodbav:"title,omitempty"`
	Status         Status    `json:"status" dynamodbav:"status"`
	ContentPath    string    `json:"contentPath,omitempty" dynamodbav:"content_path,omitempty"`
	ContinuationID string    `json:"continuationId,omitempty" dynamodbav:"continuation_id,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt      time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// GenerationRequest tracks one logical unit of async work end-to-end
type GenerationRequest struct {
	RequestID       string      `json:"requestId" dynamodbav:"request_id"`
	UserID          string      `json:"userId" dynamodbav:"user_id"`
	Type            RequestType `json:"type" dynamodbav:"type"`
	Status          Status      `json:"status" dynamodbav:"status"`
	RelatedEntityID string      `json:"relatedEntityId,omitempty" dynamodbav:"related_entity_id,omitempty"`
	WorkflowID      string      `json:"workflowId,omitempty" dynamodbav:"workflow_id,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" dynamodbav:"updated_at"`
}

// BatchWorkflow is a user request for N stories processed one after another.
// CompletedStories + FailedStories never exceeds NumberOfStories, and the
// workflow is terminal exactly when the sum reaches it.
type BatchWorkflow struct {
	WorkflowID       string    `json:"workflowId" dynamodbav:"workflow_id"`
	UserID           string    `json:"userId" dynamodbav:"user_id"`
	RequestID        string    `json:"requestId" dynamodbav:"request_id"`
	Status           Status    `json:"status" dynamodbav:"status"`
	NumberOfStories  int       `json:"numberOfStories" dynamodbav:"number_of_stories"`
	CompletedStories int       `json:"completedStories" dynamodbav:"completed_stories"`
	FailedStories    int       `json:"failedStories" dynamodbav:"failed_stories"`
	ErrorMessage     string    `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt        time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// Processed returns how many items reached a final outcome
func (w *BatchWorkflow) Processed() int {
	return w.CompletedStories + w.FailedStories
}

// Progress returns the processed fraction in [0, 1]
func (w *BatchWorkflow) Progress() float64 {
	if w.NumberOfStories == 0 {
		return 0
	}
	return float64(w.Processed()) / float64(w.NumberOfStories)
}

// EpisodeContinuation records a user request to extend a completed story
type EpisodeContinuation struct {
	ContinuationID string    `json:"continuationId" dynamodbav:"continuation_id"`
	StoryID        string    `json:"storyId" dynamodbav:"story_id"`
	UserID         string    `json:"userId" dynamodbav:"user_id"`
	RequestID      string    `json:"requestId" dynamodbav:"request_id"`
	EpisodeID      string    `json:"episodeId" dynamodbav:"episode_id"`
	EpisodeNumber  int       `json:"episodeNumber" dynamodbav:"episode_number"`
	Status         Status    `json:"status" dynamodbav:"status"`
	ErrorMessage   string    `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt      time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}
