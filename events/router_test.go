package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return NewRouter(v, opts...)
}

func episodeEvent(t *testing.T, n int) mangaflow.Event {
	return mustEvent(t, mangaflow.SourceStory, mangaflow.DetailEpisodeGenerationRequested,
		mangaflow.EpisodeGenerationRequested{UserID: "u1", StoryID: "s1", StoryContentPath: "stories/u1/s1/story.md", EpisodeNumber: n})
}

func TestRouter_TypedHandler(t *testing.T) {
	r := newTestRouter(t)

	var got mangaflow.EpisodeGenerationRequested
	On(r, mangaflow.DetailEpisodeGenerationRequested, func(ctx context.Context, d mangaflow.EpisodeGenerationRequested, evt mangaflow.Event) error {
		got = d
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), episodeEvent(t, 2)))
	assert.Equal(t, 2, got.EpisodeNumber)
	assert.Equal(t, "s1", got.StoryID)
}

func TestRouter_RejectsInvalidKnownType(t *testing.T) {
	r := newTestRouter(t)

	called := false
	On(r, mangaflow.DetailEpisodeGenerationRequested, func(ctx context.Context, d mangaflow.EpisodeGenerationRequested, evt mangaflow.Event) error {
		called = true
		return nil
	})

	err := r.Dispatch(context.Background(), episodeEvent(t, 0))
	require.Error(t, err)
	assert.True(t, mangaflow.IsPermanent(err))
	assert.False(t, called)
}

func TestRouter_UnknownTypeGoesToFallback(t *testing.T) {
	var seen []string
	r := newTestRouter(t, WithFallback(func(ctx context.Context, evt mangaflow.Event) error {
		seen = append(seen, evt.DetailType)
		return nil
	}))

	evt := mangaflow.Event{ID: "e1", DetailType: "Panel Layout Requested", Detail: json.RawMessage(`{"x":1}`)}
	require.NoError(t, r.Dispatch(context.Background(), evt))
	assert.Equal(t, []string{"Panel Layout Requested"}, seen)
}

func TestRouter_UnknownTypeWithoutFallbackIsSkipped(t *testing.T) {
	r := newTestRouter(t)
	evt := mangaflow.Event{ID: "e1", DetailType: "Panel Layout Requested", Detail: json.RawMessage(`{}`)}
	assert.NoError(t, r.Dispatch(context.Background(), evt))
}

func TestRouter_CorrelationFromEvent(t *testing.T) {
	r := newTestRouter(t)

	var corr string
	On(r, mangaflow.DetailEpisodeGenerationRequested, func(ctx context.Context, d mangaflow.EpisodeGenerationRequested, evt mangaflow.Event) error {
		corr = resilience.CorrelationID(ctx)
		return nil
	})

	evt := episodeEvent(t, 1)
	evt.CorrelationID = "corr-42"
	require.NoError(t, r.Dispatch(context.Background(), evt))
	assert.Equal(t, "corr-42", corr)

	evt.CorrelationID = ""
	require.NoError(t, r.Dispatch(context.Background(), evt))
	assert.NotEmpty(t, corr)
	assert.NotEqual(t, "corr-42", corr)
}

func TestRouter_HandlerErrorsPropagate(t *testing.T) {
	r := newTestRouter(t)
	boom := errors.New("boom")
	r.Handle(mangaflow.DetailEpisodeGenerationRequested, func(ctx context.Context, evt mangaflow.Event) error {
		return boom
	})

	assert.ErrorIs(t, r.Dispatch(context.Background(), episodeEvent(t, 1)), boom)
}

func TestRouter_RecoversPanics(t *testing.T) {
	r := newTestRouter(t)
	r.Handle(mangaflow.DetailEpisodeGenerationRequested, func(ctx context.Context, evt mangaflow.Event) error {
		panic("nil map")
	})

	err := r.Dispatch(context.Background(), episodeEvent(t, 1))
	require.Error(t, err)
	assert.Equal(t, mangaflow.ErrCodeInternalError, mangaflow.AsAppError(err).Code)
}
