package engine

import (
	"context"
	"testing"

	"github.com/sicko7947/mangaflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainBatch delivers every batch item event in publish order, including
// the ones published while handling earlier items
func drainBatch(t *testing.T, f *fixture) []error {
	t.Helper()

	var errs []error
	for i := 0; ; i++ {
		items := f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested)
		if i >= len(items) {
			return errs
		}
		item := detailOf[mangaflow.BatchStoryGenerationRequested](t, items[i])
		errs = append(errs, f.eng.HandleBatchStory(context.Background(), item, items[i]))
	}
}

func failOnCall(n int) func(int, mangaflow.Preferences) (string, error) {
	return func(call int, prefs mangaflow.Preferences) (string, error) {
		if call == n {
			return "", mangaflow.ExternalServiceError("text-generation", "model refused", false)
		}
		return "# Batch story\n\nOnce upon a time.", nil
	}
}

func TestBatch_AllSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 3, &prefs)
	require.NoError(t, err)

	for _, err := range drainBatch(t, f) {
		require.NoError(t, err)
	}

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusCompleted, wf.Status)
	assert.Equal(t, 3, wf.CompletedStories)
	assert.Zero(t, wf.FailedStories)

	items := f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested)
	require.Len(t, items, 3)
	for i, evt := range items {
		item := detailOf[mangaflow.BatchStoryGenerationRequested](t, evt)
		assert.Equal(t, i+1, item.CurrentBatch)
		assert.Equal(t, mangaflow.BatchRequestID(accepted.RequestID, i+1), item.RequestID)
		require.NotNil(t, item.Preferences)
		assert.Equal(t, prefs.Genres, item.Preferences.Genres)
	}

	stories, err := f.repo.ListUserStories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stories, 3)
	for _, s := range stories {
		assert.Equal(t, accepted.WorkflowID, s.WorkflowID)
	}

	finished := detailOf[mangaflow.BatchWorkflowStatusUpdated](t, lastOfType(t, f.bus, mangaflow.DetailBatchWorkflowStatusUpdated))
	assert.Equal(t, mangaflow.StatusCompleted, finished.Status)
	assert.Equal(t, 3, finished.CompletedStories)
}

func TestBatch_MidChainFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gen.StoryFunc = failOnCall(2)
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 3, &prefs)
	require.NoError(t, err)

	errs := drainBatch(t, f)
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, f.gen.StoryCalls())

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusCompleted, wf.Status)
	assert.Equal(t, 2, wf.CompletedStories)
	assert.Equal(t, 1, wf.FailedStories)

	for n, want := range map[int]mangaflow.Status{
		1: mangaflow.StatusCompleted,
		2: mangaflow.StatusFailed,
		3: mangaflow.StatusCompleted,
	} {
		req, err := f.repo.GetRequest(ctx, "u1", mangaflow.BatchRequestID(accepted.RequestID, n))
		require.NoError(t, err)
		assert.Equal(t, want, req.Status, "request %d", n)
	}
}

func TestBatch_FinalFailureFailsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gen.StoryFunc = failOnCall(2)
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 2, &prefs)
	require.NoError(t, err)

	for _, err := range drainBatch(t, f) {
		assert.NoError(t, err)
	}

	assert.Len(t, f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested), 2)

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusFailed, wf.Status)
	assert.Equal(t, 1, wf.CompletedStories)
	assert.Equal(t, 1, wf.FailedStories)
	assert.Contains(t, wf.ErrorMessage, "story 2 of 2 failed")

	finished := detailOf[mangaflow.BatchWorkflowStatusUpdated](t, lastOfType(t, f.bus, mangaflow.DetailBatchWorkflowStatusUpdated))
	assert.Equal(t, mangaflow.StatusFailed, finished.Status)
	assert.Equal(t, accepted.WorkflowID, finished.WorkflowID)
	assert.Len(t, f.bus.OfType(mangaflow.DetailBatchWorkflowStatusUpdated), 1)
}

func TestBatch_RedeliveryDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 2, &prefs)
	require.NoError(t, err)

	first := f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested)[0]
	item := detailOf[mangaflow.BatchStoryGenerationRequested](t, first)

	require.NoError(t, f.eng.HandleBatchStory(ctx, item, first))
	require.NoError(t, f.eng.HandleBatchStory(ctx, item, first))

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.CompletedStories)
	assert.Equal(t, mangaflow.StatusProcessing, wf.Status)
	assert.Equal(t, 1, f.gen.StoryCalls())
}

func TestBatch_EpisodeHandOverFailureIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 2, &prefs)
	require.NoError(t, err)

	first := f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested)[0]
	item := detailOf[mangaflow.BatchStoryGenerationRequested](t, first)

	f.bus.FailOn(mangaflow.DetailEpisodeGenerationRequested, mangaflow.ExternalServiceError("event-bus", "bus down", true))
	require.Error(t, f.eng.HandleBatchStory(ctx, item, first))

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Zero(t, wf.Processed())
	assert.Len(t, f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested), 1)

	f.bus.FailOn(mangaflow.DetailEpisodeGenerationRequested, nil)
	require.NoError(t, f.eng.HandleBatchStory(ctx, item, first))

	assert.Equal(t, 1, f.gen.StoryCalls())
	assert.Len(t, f.bus.OfType(mangaflow.DetailEpisodeGenerationRequested), 1)

	wf, err = f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.CompletedStories)
	assert.Zero(t, wf.FailedStories)

	items := f.bus.OfType(mangaflow.DetailBatchStoryGenerationRequested)
	require.Len(t, items, 2)
	assert.Equal(t, 2, detailOf[mangaflow.BatchStoryGenerationRequested](t, items[1]).CurrentBatch)

	req, err := f.repo.GetRequest(ctx, "u1", item.RequestID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusCompleted, req.Status)
}

func TestBatch_StoredPreferencesMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted, err := f.eng.StartBatch(ctx, "u1", 3, nil)
	require.NoError(t, err)

	errs := drainBatch(t, f)
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
	assert.Equal(t, mangaflow.ErrCodePreferencesNotFound, mangaflow.AsAppError(errs[0]).Code)

	wf, err := f.repo.GetWorkflow(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusFailed, wf.Status)
	assert.Equal(t, 3, wf.FailedStories)
	assert.Zero(t, f.gen.StoryCalls())
}

func TestBatch_UsesStoredPreferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.AppendPreferences(ctx, "u1", mangaflow.Preferences{Genres: []string{"noir"}}, nil)
	require.NoError(t, err)

	var seen []string
	f.gen.StoryFunc = func(call int, prefs mangaflow.Preferences) (string, error) {
		seen = append(seen, prefs.Genres...)
		return "# Rain\n\nIt kept raining.", nil
	}

	_, err = f.eng.StartBatch(ctx, "u1", 2, nil)
	require.NoError(t, err)
	for _, err := range drainBatch(t, f) {
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"noir", "noir"}, seen)
}

func TestCancelBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prefs := fantasy()

	accepted, err := f.eng.StartBatch(ctx, "u1", 3, &prefs)
	require.NoError(t, err)

	wf, err := f.eng.CancelBatch(ctx, "u1", accepted.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusCancelled, wf.Status)
	assert.Equal(t, 3, wf.FailedStories)

	// The queued first item observes the terminal workflow and stops
	for _, err := range drainBatch(t, f) {
		assert.NoError(t, err)
	}
	assert.Zero(t, f.gen.StoryCalls())

	finished := detailOf[mangaflow.BatchWorkflowStatusUpdated](t, lastOfType(t, f.bus, mangaflow.DetailBatchWorkflowStatusUpdated))
	assert.Equal(t, mangaflow.StatusCancelled, finished.Status)

	_, err = f.eng.CancelBatch(ctx, "u1", accepted.WorkflowID)
	require.Error(t, err)
	assert.Equal(t, mangaflow.ErrCodeConflict, mangaflow.AsAppError(err).Code)

	_, err = f.eng.CancelBatch(ctx, "u1", "missing")
	require.Error(t, err)
	assert.Equal(t, mangaflow.ErrCodeWorkflowNotFound, mangaflow.AsAppError(err).Code)
}

func TestStartBatch_Validation(t *testing.T) {
	f := newFixture(t)

	for _, n := range []int{0, -1, 11} {
		_, err := f.eng.StartBatch(context.Background(), "u1", n, nil)
		require.Error(t, err, "n=%d", n)
		assert.Equal(t, mangaflow.ErrCodeValidation, mangaflow.AsAppError(err).Code)
	}

	_, err := f.eng.StartBatch(context.Background(), "u1", 2, &mangaflow.Preferences{Genres: []string{" "}})
	require.Error(t, err)

	_, err = f.eng.StartBatch(context.Background(), "", 2, nil)
	require.Error(t, err)
	assert.Equal(t, mangaflow.ErrCodeUnauthorized, mangaflow.AsAppError(err).Code)

	assert.Empty(t, f.bus.Events())
}
