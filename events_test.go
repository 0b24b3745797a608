package mangaflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventAndDecode(t *testing.T) {
	detail := EpisodeGenerationRequested{
		UserID:           "u1",
		StoryID:          "s1",
		StoryContentPath: "stories/u1/s1/story.md",
		EpisodeNumber:    2,
	}

	evt, err := NewEvent(SourceStory, DetailEpisodeGenerationRequested, detail)
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, SourceStory, evt.Source)
	assert.Equal(t, DetailEpisodeGenerationRequested, evt.DetailType)
	assert.False(t, evt.Timestamp.IsZero())
	assert.JSONEq(t, `{"userId":"u1","storyId":"s1","storyContentPath":"stories/u1/s1/story.md","episodeNumber":2}`, string(evt.Detail))

	got, err := DecodeDetail[EpisodeGenerationRequested](evt)
	require.NoError(t, err)
	assert.Equal(t, detail, got)
}

func TestDecodeDetail_Errors(t *testing.T) {
	_, err := DecodeDetail[StoryGenerationRequested](Event{ID: "e1"})
	assert.ErrorContains(t, err, "no detail")

	_, err = DecodeDetail[StoryGenerationRequested](Event{ID: "e2", DetailType: "x", Detail: []byte(`{"userId":7}`)})
	assert.Error(t, err)
}

func TestNewEvent_UnmarshalableDetail(t *testing.T) {
	_, err := NewEvent(SourceStory, DetailGenerationStatusUpdated, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestStatusSource(t *testing.T) {
	assert.Equal(t, SourceEpisode, StatusSource(StatusEntityEpisode))
	assert.Equal(t, SourceImage, StatusSource(StatusEntityImage))
	assert.Equal(t, SourceStory, StatusSource(StatusEntityStory))
}
