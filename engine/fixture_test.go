package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/events"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	eng     *Engine
	repo    *store.Repository
	table   *store.MemoryTable
	bus     *events.Recorder
	content *content.MemoryStore
	gen     *generation.MockGenerator
}

// testGuard retries once without waiting and never opens a breaker
func testGuard() *resilience.Guard {
	return resilience.NewGuard(
		resilience.NewRetrier(mangaflow.RetryConfig{MaxAttempts: 2},
			resilience.WithJitterSource(func(time.Duration) time.Duration { return 0 })),
		resilience.NewRegistry(mangaflow.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}),
	)
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()

	table := store.NewMemoryTable()
	f := &fixture{
		repo:    store.NewRepository(table),
		table:   table,
		bus:     events.NewRecorder(),
		content: content.NewMemoryStore(),
		gen:     generation.NewMockGenerator(),
	}

	base := []EngineOption{
		WithLogger(zerolog.Nop()),
		WithGuard(testGuard()),
		WithClock(func() time.Time { return testNow }),
	}
	f.eng = NewEngine(f.repo, f.bus, f.content, f.gen, append(base, opts...)...)
	return f
}

func fantasy() mangaflow.Preferences {
	return mangaflow.Preferences{Genres: []string{"fantasy"}, Mood: "hopeful"}
}

func emptyInsights() *mangaflow.Insights {
	return &mangaflow.Insights{Recommendations: []mangaflow.Insight{}}
}

func detailOf[T any](t *testing.T, evt mangaflow.Event) T {
	t.Helper()
	d, err := mangaflow.DecodeDetail[T](evt)
	require.NoError(t, err)
	return d
}

func lastOfType(t *testing.T, rec *events.Recorder, detailType string) mangaflow.Event {
	t.Helper()
	evts := rec.OfType(detailType)
	require.NotEmpty(t, evts, "no %s event", detailType)
	return evts[len(evts)-1]
}

// completedStory runs the story stage for userID and returns the story
func (f *fixture) completedStory(t *testing.T, userID, requestID string) *mangaflow.Story {
	t.Helper()
	ctx := context.Background()

	prefs := fantasy()
	_, err := f.repo.AppendPreferences(ctx, userID, prefs, nil)
	require.NoError(t, err)

	err = f.eng.HandleStory(ctx, mangaflow.StoryGenerationRequested{
		UserID:      userID,
		RequestID:   requestID,
		Preferences: &prefs,
		Insights:    emptyInsights(),
	}, mangaflow.Event{ID: "evt-" + requestID})
	require.NoError(t, err)

	req, err := f.repo.GetRequest(ctx, userID, requestID)
	require.NoError(t, err)
	story, err := f.repo.GetStory(ctx, userID, req.RelatedEntityID)
	require.NoError(t, err)
	require.Equal(t, mangaflow.StatusCompleted, story.Status)
	return story
}

// runEpisode handles the latest episode request for storyID
func (f *fixture) runEpisode(t *testing.T, story *mangaflow.Story, number int) *mangaflow.Episode {
	t.Helper()
	ctx := context.Background()

	err := f.eng.HandleEpisode(ctx, mangaflow.EpisodeGenerationRequested{
		UserID:           story.UserID,
		StoryID:          story.StoryID,
		StoryContentPath: story.ContentPath,
		EpisodeNumber:    number,
	}, mangaflow.Event{ID: "evt-episode"})
	require.NoError(t, err)

	ep, err := f.repo.GetEpisode(ctx, story.StoryID, number)
	require.NoError(t, err)
	return ep
}
