package engine

import (
	"context"
	"testing"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEpisode_FirstEpisode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story := f.completedStory(t, "u1", "r1")

	ep := f.runEpisode(t, story, 1)

	assert.Equal(t, mangaflow.StatusCompleted, ep.Status)
	assert.Equal(t, "Episode 1", ep.Title)
	assert.Equal(t, content.EpisodePath("u1", story.StoryID, 1), ep.ContentPath)

	body, err := content.GetText(ctx, f.content, ep.ContentPath)
	require.NoError(t, err)
	assert.Equal(t, "The story of Story 1 continues.", body)

	calls := f.gen.EpisodeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Story 1", calls[0].StoryTitle)
	assert.Equal(t, "A tale of [fantasy].", calls[0].StoryContent)
	assert.Equal(t, []string{"fantasy"}, calls[0].Preferences.Genres)
	assert.Empty(t, calls[0].PreviousEpisode)

	status := detailOf[mangaflow.GenerationStatusUpdated](t, lastOfType(t, f.bus, mangaflow.DetailGenerationStatusUpdated))
	assert.Equal(t, mangaflow.StatusEntityEpisode, status.EntityType)
	assert.Equal(t, mangaflow.StatusCompleted, status.Status)
	assert.Equal(t, ep.EpisodeID, status.RelatedEntityID)
	assert.Equal(t, "r1", status.RequestID)

	assert.Empty(t, f.bus.OfType(mangaflow.DetailImageGenerationRequested))
}

func TestHandleEpisode_ReadsPreviousEpisode(t *testing.T) {
	f := newFixture(t)
	story := f.completedStory(t, "u1", "r1")

	f.runEpisode(t, story, 1)
	f.runEpisode(t, story, 2)

	calls := f.gen.EpisodeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].EpisodeNumber)
	assert.Equal(t, "The story of Story 1 continues.", calls[1].PreviousEpisode)
}

func TestHandleEpisode_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	story := f.completedStory(t, "u1", "r1")

	first := f.runEpisode(t, story, 1)
	second := f.runEpisode(t, story, 1)

	assert.Equal(t, first.EpisodeID, second.EpisodeID)
	assert.Len(t, f.gen.EpisodeCalls(), 1)
}

func TestHandleEpisode_RequestsImagesWhenEnabled(t *testing.T) {
	cfg := mangaflow.DefaultPipelineConfig
	cfg.GenerateImages = true
	f := newFixture(t, WithConfig(cfg))
	story := f.completedStory(t, "u1", "r1")

	ep := f.runEpisode(t, story, 1)

	images := f.bus.OfType(mangaflow.DetailImageGenerationRequested)
	require.Len(t, images, 1)
	img := detailOf[mangaflow.ImageGenerationRequested](t, images[0])
	assert.Equal(t, ep.EpisodeID, img.EpisodeID)
	assert.Equal(t, ep.ContentPath, img.EpisodeContentPath)
}

func TestHandleEpisode_GenerationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	story := f.completedStory(t, "u1", "r1")
	f.gen.EpisodeFunc = func(generation.EpisodeInput) (string, error) {
		return "", mangaflow.ExternalServiceError("text-generation", "empty completion", false)
	}

	err := f.eng.HandleEpisode(ctx, mangaflow.EpisodeGenerationRequested{
		UserID:           "u1",
		StoryID:          story.StoryID,
		StoryContentPath: story.ContentPath,
		EpisodeNumber:    1,
	}, mangaflow.Event{ID: "evt-ep"})
	require.Error(t, err)

	ep, err := f.repo.GetEpisode(ctx, story.StoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, mangaflow.StatusFailed, ep.Status)
	assert.Equal(t, "empty completion", ep.ErrorMessage)

	status := detailOf[mangaflow.GenerationStatusUpdated](t, lastOfType(t, f.bus, mangaflow.DetailGenerationStatusUpdated))
	assert.Equal(t, mangaflow.StatusFailed, status.Status)
}

func TestHandleEpisode_StoryNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.eng.HandleEpisode(context.Background(), mangaflow.EpisodeGenerationRequested{
		UserID:           "u1",
		StoryID:          "missing",
		StoryContentPath: "stories/u1/missing/story.md",
		EpisodeNumber:    1,
	}, mangaflow.Event{})
	require.Error(t, err)
	assert.Equal(t, mangaflow.ErrCodeStoryNotFound, mangaflow.AsAppError(err).Code)
	assert.True(t, mangaflow.IsPermanent(err))
}
