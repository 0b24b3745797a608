package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/engine"
	"github.com/sicko7947/mangaflow/events"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type apiFixture struct {
	server *Server
	repo   *store.Repository
	bus    *events.Recorder
	eng    *engine.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := store.NewRepository(store.NewMemoryTable())
	bus := events.NewRecorder()
	guard := resilience.NewGuard(
		resilience.NewRetrier(mangaflow.RetryConfig{MaxAttempts: 1}),
		resilience.NewRegistry(mangaflow.DefaultBreakerConfig),
	)
	eng := engine.NewEngine(repo, bus, content.NewMemoryStore(), generation.NewMockGenerator(),
		engine.WithLogger(zerolog.Nop()),
		engine.WithGuard(guard),
	)

	srv := NewServer(eng, mangaflow.ServerConfig{JWTSecret: testSecret}, zerolog.Nop())
	return &apiFixture{server: srv, repo: repo, bus: bus, eng: eng}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.server.Authenticator().SignToken(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, "corr-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.server.App().Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %v", body)
	return envelope["code"].(string)
}

// seedStory stores a story for userID directly
func (f *apiFixture) seedStory(t *testing.T, userID string, status mangaflow.Status) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, f.repo.CreateStory(context.Background(), &mangaflow.Story{
		StoryID:     id,
		UserID:      userID,
		Status:      status,
		Title:       "Seeded",
		ContentPath: content.StoryPath(userID, id),
	}))
	return id
}

func TestHealth_NoAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "corr-test", resp.Header.Get(HeaderCorrelationID))
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t)
	storyID := f.seedStory(t, "u1", mangaflow.StatusCompleted)
	path := "/stories/" + storyID + "/episodes"

	expired, err := f.server.Authenticator().SignToken("u1", "", -time.Minute)
	require.NoError(t, err)

	other := NewAuthenticator("another-secret", nil)
	forged, err := other.SignToken("u1", "", time.Hour)
	require.NoError(t, err)

	for name, tok := range map[string]string{"missing": "", "expired": expired, "wrong secret": forged} {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, path, tok, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, mangaflow.ErrCodeUnauthorized, errorCode(t, body))
			assert.Equal(t, "corr-test", body["error"].(map[string]any)["requestId"])
		})
	}
}

func TestAuth_CreatesProfileOnce(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "u9")

	f.do(t, http.MethodGet, "/requests/none", tok, "")
	f.do(t, http.MethodGet, "/requests/none", tok, "")

	profile, err := f.repo.GetUserProfile(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, "u9@example.com", profile.Email)
}

func TestContinueStory(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	tok := f.token(t, "u1")

	completed := f.seedStory(t, "u1", mangaflow.StatusCompleted)
	processing := f.seedStory(t, "u1", mangaflow.StatusProcessing)

	// No preferences stored yet
	resp, body := f.do(t, http.MethodPost, "/stories/"+completed+"/episodes", tok, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodePreferencesNotFound, errorCode(t, body))

	_, err := f.repo.AppendPreferences(ctx, "u1", mangaflow.Preferences{Genres: []string{"mecha"}}, nil)
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodPost, "/stories/"+completed+"/episodes", tok, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, float64(1), body["episodeNumber"])
	assert.Equal(t, "GENERATING", body["status"])
	assert.NotEmpty(t, body["episodeId"])
	assert.NotEmpty(t, body["estimatedCompletionTime"])
	assert.NotEmpty(t, body["message"])
	assert.Len(t, f.bus.OfType(mangaflow.DetailContinueEpisodeRequested), 1)

	tests := []struct {
		name     string
		method   string
		storyID  string
		wantCode string
		status   int
	}{
		{"not completed", http.MethodPost, processing, mangaflow.ErrCodeStoryNotCompleted, http.StatusBadRequest},
		{"unknown story", http.MethodPost, uuid.NewString(), mangaflow.ErrCodeStoryNotFound, http.StatusNotFound},
		{"malformed id", http.MethodPost, "abc", mangaflow.ErrCodeStoryNotFound, http.StatusNotFound},
		{"wrong method", http.MethodGet, completed, mangaflow.ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{"delete", http.MethodDelete, completed, mangaflow.ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, "/stories/"+tt.storyID+"/episodes", tok, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.wantCode, errorCode(t, body))
		})
	}

	conts, err := f.repo.ListContinuations(ctx, processing)
	require.NoError(t, err)
	assert.Empty(t, conts)
}

func TestPreferencesAndRequestStatus(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/preferences", tok, `{"genres":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeValidation, errorCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/preferences", tok, `{"genres":["romance"],"mood":"bittersweet"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	requestID := body["requestId"].(string)

	resp, body = f.do(t, http.MethodGet, "/requests/"+requestID, tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "STORY", body["type"])

	// Requests of other users are invisible
	resp, body = f.do(t, http.MethodGet, "/requests/"+requestID, f.token(t, "u2"), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeRequestNotFound, errorCode(t, body))
}

func TestWorkflows(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/workflows", tok, `{"numberOfStories":11}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeValidation, errorCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/workflows", tok, `{"numberOfStories":3,"preferences":{"genres":["horror"]}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	workflowID := body["workflowId"].(string)
	assert.Equal(t, float64(3), body["numberOfStories"])

	resp, body = f.do(t, http.MethodGet, "/workflows/"+workflowID, tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(0), body["progress"])

	resp, body = f.do(t, http.MethodPost, "/workflows/"+workflowID+"/cancel", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "CANCELLED", body["status"])

	resp, body = f.do(t, http.MethodPost, "/workflows/"+workflowID+"/cancel", tok, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeConflict, errorCode(t, body))

	resp, body = f.do(t, http.MethodGet, "/workflows/missing", tok, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeWorkflowNotFound, errorCode(t, body))
}

func TestGetStoryAndEligibility(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, "u1")
	storyID := f.seedStory(t, "u1", mangaflow.StatusProcessing)

	resp, body := f.do(t, http.MethodGet, "/stories/"+storyID, tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storyID, body["storyId"])
	assert.Empty(t, body["episodes"])

	resp, body = f.do(t, http.MethodGet, "/stories/"+storyID+"/continuation", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, mangaflow.ErrCodeStoryNotCompleted, body["reason"])
}

func TestInternalErrorsAreSanitizedInProduction(t *testing.T) {
	f := newAPIFixture(t)
	f.bus.Err = mangaflow.InternalError("redis: connection refused at 10.0.0.3:6379", nil)

	srv := NewServer(f.eng, mangaflow.ServerConfig{JWTSecret: testSecret, Production: true}, zerolog.Nop())
	tok, err := srv.Authenticator().SignToken("u1", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/preferences", strings.NewReader(`{"genres":["drama"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, mangaflow.ErrCodeInternalError, body["error"]["code"])
	assert.NotContains(t, body["error"]["message"], "10.0.0.3")
	assert.NotEmpty(t, resp.Header.Get(HeaderCorrelationID))
}

func TestDependencyErrorsAreSanitizedInProduction(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryTable())
	guard := resilience.NewGuard(
		resilience.NewRetrier(mangaflow.RetryConfig{MaxAttempts: 1}),
		resilience.NewRegistry(mangaflow.DefaultBreakerConfig),
	)
	eng := engine.NewEngine(repo, events.NewRecorder(), content.NewMemoryStore(), generation.NewMockGenerator(),
		engine.WithLogger(zerolog.Nop()),
		engine.WithGuard(guard),
		engine.WithInsights(generation.StaticInsights{
			Err: mangaflow.ExternalServiceError(generation.DependencyInsights,
				`Get "http://10.0.0.5:8080/insights": dial tcp 10.0.0.5:8080: connection refused`, true),
		}),
	)

	srv := NewServer(eng, mangaflow.ServerConfig{JWTSecret: testSecret, Production: true}, zerolog.Nop())
	tok, err := srv.Authenticator().SignToken("u1", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/preferences", strings.NewReader(`{"genres":["drama"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotContains(t, string(raw), "10.0.0.5")

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, mangaflow.ErrCodeExternalService, body["error"]["code"])
	assert.Nil(t, body["error"]["details"])
}
