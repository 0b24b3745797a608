package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// maxOptimisticAttempts bounds read-modify-write loops on workflow counters
const maxOptimisticAttempts = 5

// Repository provides typed access to every entity in the item table
type Repository struct {
	table mangaflow.ItemTable
	now   func() time.Time
}

// RepositoryOption configures a Repository
type RepositoryOption func(*Repository)

// WithClock replaces the time source
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository creates a repository over the given table
func NewRepository(table mangaflow.ItemTable, opts ...RepositoryOption) *Repository {
	r := &Repository{
		table: table,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Table exposes the underlying item table
func (r *Repository) Table() mangaflow.ItemTable {
	return r.table
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

// entityItem marshals v and adds the primary, direct-id and (when
// statusIndexed) status-index sort keys. GSI2PK is derived by the table.
func entityItem(v any, entityType mangaflow.EntityType, key, gsi1 mangaflow.Key, createdAt time.Time, statusIndexed bool) (mangaflow.Item, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", entityType, err)
	}

	item[mangaflow.AttrPK] = stringValue(key.PK)
	item[mangaflow.AttrSK] = stringValue(key.SK)
	item[mangaflow.AttrGSI1PK] = stringValue(gsi1.PK)
	item[mangaflow.AttrGSI1SK] = stringValue(gsi1.SK)
	item[mangaflow.AttrEntityType] = stringValue(entityType.String())
	if statusIndexed {
		item[mangaflow.AttrGSI2SK] = stringValue(mangaflow.FormatTimestamp(createdAt))
	}

	return item, nil
}

func decode[T any](item mangaflow.Item) (*T, error) {
	var out T
	if err := attributevalue.UnmarshalMap(item, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return &out, nil
}

func decodeAll[T any](items []mangaflow.Item) ([]*T, error) {
	out := make([]*T, 0, len(items))
	for _, item := range items {
		v, err := decode[T](item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// findByID resolves an entity through GSI1
func (r *Repository) findByID(ctx context.Context, gsi1 mangaflow.Key) (mangaflow.Item, error) {
	items, err := r.table.QueryIndex(ctx, mangaflow.IndexGSI1, gsi1.PK, gsi1.SK, mangaflow.QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, mangaflow.ErrItemNotFound
	}
	return items[0], nil
}

// User profiles

// EnsureUserProfile creates the profile on first sight. A concurrent or
// repeated create is not an error; created reports whether this call wrote it.
func (r *Repository) EnsureUserProfile(ctx context.Context, userID, email string) (created bool, err error) {
	profile := &mangaflow.UserProfile{
		UserID:    userID,
		Email:     email,
		CreatedAt: r.timestamp(),
	}

	key := profileKey(userID)
	item, err := entityItem(profile, mangaflow.EntityUserProfile, key, key, profile.CreatedAt, false)
	if err != nil {
		return false, err
	}

	if err := r.table.Create(ctx, item); err != nil {
		if errors.Is(err, mangaflow.ErrAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create user profile: %w", err)
	}
	return true, nil
}

// GetUserProfile loads a user's profile
func (r *Repository) GetUserProfile(ctx context.Context, userID string) (*mangaflow.UserProfile, error) {
	item, err := r.table.Get(ctx, profileKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return decode[mangaflow.UserProfile](item)
}

// Preferences

// AppendPreferences writes a new immutable preferences version. Versions
// created within the same millisecond are shifted forward so none is lost.
func (r *Repository) AppendPreferences(ctx context.Context, userID string, prefs mangaflow.Preferences, insights *mangaflow.Insights) (*mangaflow.UserPreferences, error) {
	version := &mangaflow.UserPreferences{
		UserID:      userID,
		Preferences: prefs,
		Insights:    insights,
		CreatedAt:   r.timestamp().Truncate(time.Millisecond),
	}

	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		key := mangaflow.Key{PK: userPK(userID), SK: preferencesSK(mangaflow.FormatTimestamp(version.CreatedAt))}
		item, err := entityItem(version, mangaflow.EntityUserPreferences, key, key, version.CreatedAt, false)
		if err != nil {
			return nil, err
		}

		err = r.table.Create(ctx, item)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, mangaflow.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to append preferences: %w", err)
		}
		version.CreatedAt = version.CreatedAt.Add(time.Millisecond)
	}

	return nil, fmt.Errorf("failed to append preferences: %w", mangaflow.ErrAlreadyExists)
}

// LatestPreferences returns the most recent preferences version
func (r *Repository) LatestPreferences(ctx context.Context, userID string) (*mangaflow.UserPreferences, error) {
	items, err := r.table.QueryPrefix(ctx, userPK(userID), prefixPrefs, mangaflow.QueryOptions{
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	if len(items) == 0 {
		return nil, mangaflow.ErrItemNotFound
	}
	return decode[mangaflow.UserPreferences](items[0])
}

// PreferencesHistory lists preferences versions, newest first
func (r *Repository) PreferencesHistory(ctx context.Context, userID string, limit int) ([]*mangaflow.UserPreferences, error) {
	items, err := r.table.QueryPrefix(ctx, userPK(userID), prefixPrefs, mangaflow.QueryOptions{
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	return decodeAll[mangaflow.UserPreferences](items)
}

// Stories

// CreateStory writes a new story; ErrAlreadyExists if the id is taken
func (r *Repository) CreateStory(ctx context.Context, story *mangaflow.Story) error {
	now := r.timestamp()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	item, err := entityItem(story, mangaflow.EntityStory, storyKey(story.UserID, story.StoryID),
		mangaflow.Key{PK: storyGSI1PK(story.StoryID), SK: skMetadata}, story.CreatedAt, true)
	if err != nil {
		return err
	}

	if err := r.table.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to create story: %w", err)
	}
	return nil
}

// GetStory loads a story under its owner. A story owned by someone else
// is indistinguishable from a missing one.
func (r *Repository) GetStory(ctx context.Context, userID, storyID string) (*mangaflow.Story, error) {
	item, err := r.table.Get(ctx, storyKey(userID, storyID))
	if err != nil {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return decode[mangaflow.Story](item)
}

// FindStory resolves a story by id alone
func (r *Repository) FindStory(ctx context.Context, storyID string) (*mangaflow.Story, error) {
	item, err := r.findByID(ctx, mangaflow.Key{PK: storyGSI1PK(storyID), SK: skMetadata})
	if err != nil {
		return nil, fmt.Errorf("failed to find story: %w", err)
	}
	return decode[mangaflow.Story](item)
}

// UpdateStory applies a partial update; ErrConditionFailed if the story is
// missing or a status change is attempted on a terminal story
func (r *Repository) UpdateStory(ctx context.Context, userID, storyID string, update StoryUpdate) (*mangaflow.Story, error) {
	item, err := r.table.Update(ctx, storyKey(userID, storyID), transition(update.fields(), r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("failed to update story: %w", err)
	}
	return decode[mangaflow.Story](item)
}

// ListUserStories lists a user's stories in id order
func (r *Repository) ListUserStories(ctx context.Context, userID string) ([]*mangaflow.Story, error) {
	items, err := r.table.QueryPrefix(ctx, userPK(userID), prefixStory, mangaflow.QueryOptions{
		EntityType: mangaflow.EntityStory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return decodeAll[mangaflow.Story](items)
}

// ListStoriesByStatus lists stories in a status, newest first
func (r *Repository) ListStoriesByStatus(ctx context.Context, status mangaflow.Status, limit int) ([]*mangaflow.Story, error) {
	items, err := r.table.QueryIndex(ctx, mangaflow.IndexGSI2, mangaflow.StatusIndexKey(status), "", mangaflow.QueryOptions{
		Descending: true,
		Limit:      limit,
		EntityType: mangaflow.EntityStory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stories by status: %w", err)
	}
	return decodeAll[mangaflow.Story](items)
}

// Episodes

// CreateEpisode claims an episode number; ErrAlreadyExists if it is taken
func (r *Repository) CreateEpisode(ctx context.Context, episode *mangaflow.Episode) error {
	if episode.EpisodeNumber < 1 {
		return fmt.Errorf("invalid episode number %d", episode.EpisodeNumber)
	}

	now := r.timestamp()
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = now
	}
	episode.UpdatedAt = now

	item, err := entityItem(episode, mangaflow.EntityEpisode, episodeKey(episode.StoryID, episode.EpisodeNumber),
		mangaflow.Key{PK: episodeGSI1PK(episode.EpisodeID), SK: skMetadata}, episode.CreatedAt, true)
	if err != nil {
		return err
	}

	if err := r.table.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to create episode: %w", err)
	}
	return nil
}

// GetEpisode loads an episode by story and number
func (r *Repository) GetEpisode(ctx context.Context, storyID string, number int) (*mangaflow.Episode, error) {
	item, err := r.table.Get(ctx, episodeKey(storyID, number))
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return decode[mangaflow.Episode](item)
}

// FindEpisode resolves an episode by id alone
func (r *Repository) FindEpisode(ctx context.Context, episodeID string) (*mangaflow.Episode, error) {
	item, err := r.findByID(ctx, mangaflow.Key{PK: episodeGSI1PK(episodeID), SK: skMetadata})
	if err != nil {
		return nil, fmt.Errorf("failed to find episode: %w", err)
	}
	return decode[mangaflow.Episode](item)
}

// UpdateEpisode applies a partial update
func (r *Repository) UpdateEpisode(ctx context.Context, storyID string, number int, update EpisodeUpdate) (*mangaflow.Episode, error) {
	item, err := r.table.Update(ctx, episodeKey(storyID, number), transition(update.fields(), r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("failed to update episode: %w", err)
	}
	return decode[mangaflow.Episode](item)
}

// ListEpisodes lists a story's episodes in episode order
func (r *Repository) ListEpisodes(ctx context.Context, storyID string) ([]*mangaflow.Episode, error) {
	items, err := r.table.QueryPrefix(ctx, prefixStory+storyID, prefixEpisode, mangaflow.QueryOptions{
		EntityType: mangaflow.EntityEpisode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	return decodeAll[mangaflow.Episode](items)
}

// NextEpisodeNumber returns one past the highest stored episode number, or 1.
// The maximum is taken over the numbers themselves, not the key order.
func (r *Repository) NextEpisodeNumber(ctx context.Context, storyID string) (int, error) {
	items, err := r.table.QueryPrefix(ctx, prefixStory+storyID, prefixEpisode, mangaflow.QueryOptions{
		EntityType: mangaflow.EntityEpisode,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list episodes: %w", err)
	}

	highest := 0
	for _, item := range items {
		if n, ok := numberAttr(item, "episode_number"); ok && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// Generation requests

// CreateRequest writes a new request; ErrAlreadyExists if the id is taken
func (r *Repository) CreateRequest(ctx context.Context, req *mangaflow.GenerationRequest) error {
	now := r.timestamp()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	item, err := entityItem(req, mangaflow.EntityGenerationRequest, requestKey(req.UserID, req.RequestID),
		mangaflow.Key{PK: requestGSI1PK(req.RequestID), SK: skStatus}, req.CreatedAt, true)
	if err != nil {
		return err
	}

	if err := r.table.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetRequest loads a request under its owner
func (r *Repository) GetRequest(ctx context.Context, userID, requestID string) (*mangaflow.GenerationRequest, error) {
	item, err := r.table.Get(ctx, requestKey(userID, requestID))
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return decode[mangaflow.GenerationRequest](item)
}

// FindRequest resolves a request by id alone
func (r *Repository) FindRequest(ctx context.Context, requestID string) (*mangaflow.GenerationRequest, error) {
	item, err := r.findByID(ctx, mangaflow.Key{PK: requestGSI1PK(requestID), SK: skStatus})
	if err != nil {
		return nil, fmt.Errorf("failed to find request: %w", err)
	}
	return decode[mangaflow.GenerationRequest](item)
}

// UpdateRequest applies a partial update
func (r *Repository) UpdateRequest(ctx context.Context, userID, requestID string, update RequestUpdate) (*mangaflow.GenerationRequest, error) {
	item, err := r.table.Update(ctx, requestKey(userID, requestID), transition(update.fields(), r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}
	return decode[mangaflow.GenerationRequest](item)
}

// Continuations

// CreateContinuation writes a new continuation record
func (r *Repository) CreateContinuation(ctx context.Context, cont *mangaflow.EpisodeContinuation) error {
	now := r.timestamp()
	if cont.CreatedAt.IsZero() {
		cont.CreatedAt = now
	}
	cont.UpdatedAt = now

	item, err := entityItem(cont, mangaflow.EntityEpisodeContinuation, continuationKey(cont.StoryID, cont.ContinuationID),
		mangaflow.Key{PK: continuationGSI1PK(cont.ContinuationID), SK: skMetadata}, cont.CreatedAt, true)
	if err != nil {
		return err
	}

	if err := r.table.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to create continuation: %w", err)
	}
	return nil
}

// GetContinuation loads a continuation by story and id
func (r *Repository) GetContinuation(ctx context.Context, storyID, continuationID string) (*mangaflow.EpisodeContinuation, error) {
	item, err := r.table.Get(ctx, continuationKey(storyID, continuationID))
	if err != nil {
		return nil, fmt.Errorf("failed to get continuation: %w", err)
	}
	return decode[mangaflow.EpisodeContinuation](item)
}

// FindContinuation resolves a continuation by id alone
func (r *Repository) FindContinuation(ctx context.Context, continuationID string) (*mangaflow.EpisodeContinuation, error) {
	item, err := r.findByID(ctx, mangaflow.Key{PK: continuationGSI1PK(continuationID), SK: skMetadata})
	if err != nil {
		return nil, fmt.Errorf("failed to find continuation: %w", err)
	}
	return decode[mangaflow.EpisodeContinuation](item)
}

// UpdateContinuation applies a partial update
func (r *Repository) UpdateContinuation(ctx context.Context, storyID, continuationID string, update ContinuationUpdate) (*mangaflow.EpisodeContinuation, error) {
	item, err := r.table.Update(ctx, continuationKey(storyID, continuationID), transition(update.fields(), r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("failed to update continuation: %w", err)
	}
	return decode[mangaflow.EpisodeContinuation](item)
}

// ListContinuations lists a story's continuation records
func (r *Repository) ListContinuations(ctx context.Context, storyID string) ([]*mangaflow.EpisodeContinuation, error) {
	items, err := r.table.QueryPrefix(ctx, prefixStory+storyID, prefixCont, mangaflow.QueryOptions{
		EntityType: mangaflow.EntityEpisodeContinuation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list continuations: %w", err)
	}
	return decodeAll[mangaflow.EpisodeContinuation](items)
}

// Batch workflows

// CreateWorkflow writes a new batch workflow with zeroed counters
func (r *Repository) CreateWorkflow(ctx context.Context, wf *mangaflow.BatchWorkflow) error {
	if wf.NumberOfStories < 1 {
		return fmt.Errorf("invalid number of stories %d", wf.NumberOfStories)
	}

	now := r.timestamp()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.CompletedStories = 0
	wf.FailedStories = 0

	item, err := entityItem(wf, mangaflow.EntityBatchWorkflow, workflowKey(wf.UserID, wf.WorkflowID),
		mangaflow.Key{PK: workflowGSI1PK(wf.WorkflowID), SK: skMetadata}, wf.CreatedAt, true)
	if err != nil {
		return err
	}

	if err := r.table.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow under its owner
func (r *Repository) GetWorkflow(ctx context.Context, userID, workflowID string) (*mangaflow.BatchWorkflow, error) {
	item, err := r.table.Get(ctx, workflowKey(userID, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return decode[mangaflow.BatchWorkflow](item)
}

// FindWorkflow resolves a workflow by id alone
func (r *Repository) FindWorkflow(ctx context.Context, workflowID string) (*mangaflow.BatchWorkflow, error) {
	item, err := r.findByID(ctx, mangaflow.Key{PK: workflowGSI1PK(workflowID), SK: skMetadata})
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow: %w", err)
	}
	return decode[mangaflow.BatchWorkflow](item)
}

// UpdateWorkflow applies a partial update that leaves the counters alone
func (r *Repository) UpdateWorkflow(ctx context.Context, userID, workflowID string, update WorkflowUpdate) (*mangaflow.BatchWorkflow, error) {
	if update.Status != nil && update.Status.IsTerminal() {
		return nil, errors.New("terminal workflow status is set only by RecordBatchOutcome or CancelWorkflow")
	}
	item, err := r.table.Update(ctx, workflowKey(userID, workflowID), transition(update.fields(), r.timestamp()))
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return decode[mangaflow.BatchWorkflow](item)
}

// BatchOutcome is the result of one batch item
type BatchOutcome struct {
	Succeeded bool
	// Final marks the last item of the chain. Items never recorded by then
	// count as failed so the counters always sum to NumberOfStories at the end.
	Final        bool
	ErrorMessage string
}

// RecordBatchOutcome adds one item's outcome to the workflow counters. When
// the item is final, or the counters reach NumberOfStories, the terminal
// status is set in the same write. A workflow that is already terminal is
// returned unchanged together with ErrConditionFailed.
func (r *Repository) RecordBatchOutcome(ctx context.Context, userID, workflowID string, outcome BatchOutcome) (*mangaflow.BatchWorkflow, error) {
	return r.mutateCounters(ctx, userID, workflowID, func(wf *mangaflow.BatchWorkflow) fieldSet {
		completed, failed := wf.CompletedStories, wf.FailedStories
		if outcome.Succeeded {
			completed++
		} else {
			failed++
		}

		// Never exceed the total, even on a stray extra delivery
		if completed+failed > wf.NumberOfStories {
			return nil
		}

		f := fieldSet{
			"completed_stories": numberValue(completed),
			"failed_stories":    numberValue(failed),
		}

		if outcome.Final || completed+failed == wf.NumberOfStories {
			failed += wf.NumberOfStories - completed - failed
			f["failed_stories"] = numberValue(failed)

			status := mangaflow.StatusCompleted
			if !outcome.Succeeded || completed == 0 {
				status = mangaflow.StatusFailed
			}
			f.status(&status)
			if outcome.ErrorMessage != "" && status == mangaflow.StatusFailed {
				f.str("error_message", &outcome.ErrorMessage)
			}
		} else if wf.Status == mangaflow.StatusPending {
			f.status(mangaflow.ToPtr(mangaflow.StatusProcessing))
		}
		return f
	})
}

// CancelWorkflow moves a workflow to CANCELLED, counting every item without
// a recorded outcome as failed. Already-terminal workflows yield ErrConditionFailed.
func (r *Repository) CancelWorkflow(ctx context.Context, userID, workflowID, reason string) (*mangaflow.BatchWorkflow, error) {
	return r.mutateCounters(ctx, userID, workflowID, func(wf *mangaflow.BatchWorkflow) fieldSet {
		status := mangaflow.StatusCancelled
		f := fieldSet{
			"failed_stories": numberValue(wf.NumberOfStories - wf.CompletedStories),
		}
		f.status(&status)
		if reason != "" {
			f.str("error_message", &reason)
		}
		return f
	})
}

// mutateCounters runs an optimistic read-modify-write conditioned on the
// counters observed at read time. A nil field set aborts without writing.
func (r *Repository) mutateCounters(ctx context.Context, userID, workflowID string, mutate func(*mangaflow.BatchWorkflow) fieldSet) (*mangaflow.BatchWorkflow, error) {
	key := workflowKey(userID, workflowID)

	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		item, err := r.table.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to get workflow: %w", err)
		}
		wf, err := decode[mangaflow.BatchWorkflow](item)
		if err != nil {
			return nil, err
		}
		if wf.Status.IsTerminal() {
			return wf, mangaflow.ErrConditionFailed
		}

		f := mutate(wf)
		if f == nil {
			return wf, mangaflow.ErrConditionFailed
		}

		update := transition(f, r.timestamp())
		update.Condition.StatusNotIn = mangaflow.TerminalStatuses
		update.Condition.Equals = map[string]types.AttributeValue{
			"completed_stories": numberValue(wf.CompletedStories),
			"failed_stories":    numberValue(wf.FailedStories),
		}

		updated, err := r.table.Update(ctx, key, update)
		if err == nil {
			return decode[mangaflow.BatchWorkflow](updated)
		}
		if !errors.Is(err, mangaflow.ErrConditionFailed) {
			return nil, fmt.Errorf("failed to update workflow counters: %w", err)
		}
	}

	return nil, fmt.Errorf("workflow %s counters contended: %w", workflowID, mangaflow.ErrConditionFailed)
}
