package events

import (
	"encoding/json"
	"testing"

	"github.com/sicko7947/mangaflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, source, detailType string, detail any) mangaflow.Event {
	t.Helper()
	evt, err := mangaflow.NewEvent(source, detailType, detail)
	require.NoError(t, err)
	return evt
}

func TestValidator_CompilesEverySchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	for dt := range detailSchemas {
		assert.True(t, v.Known(dt), dt)
	}
	assert.False(t, v.Known("Something Else"))
}

func TestValidator_Validate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	prefs := &mangaflow.Preferences{Genres: []string{"fantasy"}}
	insights := &mangaflow.Insights{Recommendations: []mangaflow.Insight{{Name: "Ghibli"}}}

	tests := []struct {
		name    string
		evt     mangaflow.Event
		wantErr bool
	}{
		{
			name: "valid story request",
			evt: mustEvent(t, mangaflow.SourcePreferences, mangaflow.DetailStoryGenerationRequested,
				mangaflow.StoryGenerationRequested{UserID: "u1", RequestID: "r1", Preferences: prefs, Insights: insights}),
		},
		{
			name: "story request without insights",
			evt: mustEvent(t, mangaflow.SourcePreferences, mangaflow.DetailStoryGenerationRequested,
				mangaflow.StoryGenerationRequested{UserID: "u1", RequestID: "r1", Preferences: prefs}),
			wantErr: true,
		},
		{
			name: "story request with empty user",
			evt: mustEvent(t, mangaflow.SourcePreferences, mangaflow.DetailStoryGenerationRequested,
				mangaflow.StoryGenerationRequested{RequestID: "r1", Preferences: prefs, Insights: insights}),
			wantErr: true,
		},
		{
			name: "batch request without preferences",
			evt: mustEvent(t, mangaflow.SourceWorkflow, mangaflow.DetailBatchStoryGenerationRequested,
				mangaflow.BatchStoryGenerationRequested{UserID: "u1", WorkflowID: "w1", RequestID: "r1", NumberOfStories: 3, CurrentBatch: 1, TotalBatches: 3}),
		},
		{
			name: "batch request over limit",
			evt: mustEvent(t, mangaflow.SourceWorkflow, mangaflow.DetailBatchStoryGenerationRequested,
				mangaflow.BatchStoryGenerationRequested{UserID: "u1", WorkflowID: "w1", RequestID: "r1", NumberOfStories: 11, CurrentBatch: 1, TotalBatches: 11}),
			wantErr: true,
		},
		{
			name: "episode number zero",
			evt: mustEvent(t, mangaflow.SourceStory, mangaflow.DetailEpisodeGenerationRequested,
				mangaflow.EpisodeGenerationRequested{UserID: "u1", StoryID: "s1", StoryContentPath: "p", EpisodeNumber: 0}),
			wantErr: true,
		},
		{
			name: "status with unknown entity",
			evt: mustEvent(t, mangaflow.SourceStory, mangaflow.DetailGenerationStatusUpdated,
				mangaflow.GenerationStatusUpdated{UserID: "u1", RequestID: "r1", EntityType: "BOOK", Status: mangaflow.StatusCompleted}),
			wantErr: true,
		},
		{
			name: "unknown detail type passes",
			evt: mangaflow.Event{DetailType: "Comic Printed", Detail: json.RawMessage(`{"anything": true}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.evt)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			appErr := mangaflow.AsAppError(err)
			assert.Equal(t, mangaflow.ErrCodeValidation, appErr.Code)
			assert.False(t, mangaflow.IsRetryable(err))
			assert.True(t, mangaflow.IsPermanent(err))
		})
	}
}

func TestSchemaFileName(t *testing.T) {
	assert.Equal(t, "story-generation-requested.json", schemaFileName(mangaflow.DetailStoryGenerationRequested))
}
