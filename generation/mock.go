package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/sicko7947/mangaflow"
)

// MockGenerator is a TextGenerator for tests and offline runs
type MockGenerator struct {
	// StoryFunc overrides story output; call is 1-based
	StoryFunc func(call int, prefs mangaflow.Preferences) (string, error)
	// EpisodeFunc overrides episode output
	EpisodeFunc func(in EpisodeInput) (string, error)

	mu           sync.Mutex
	storyCalls   int
	episodeCalls []EpisodeInput
}

// NewMockGenerator creates a generator with canned output
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// GenerateStory returns StoryFunc's output or a canned story
func (m *MockGenerator) GenerateStory(ctx context.Context, prefs mangaflow.Preferences, insights mangaflow.Insights) (string, error) {
	m.mu.Lock()
	m.storyCalls++
	call := m.storyCalls
	fn := m.StoryFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(call, prefs)
	}
	return fmt.Sprintf("# Story %d\n\nA tale of %v.", call, prefs.Genres), nil
}

// GenerateEpisode returns EpisodeFunc's output or a canned episode
func (m *MockGenerator) GenerateEpisode(ctx context.Context, in EpisodeInput) (string, error) {
	m.mu.Lock()
	m.episodeCalls = append(m.episodeCalls, in)
	fn := m.EpisodeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return fmt.Sprintf("# Episode %d\n\nThe story of %s continues.", in.EpisodeNumber, in.StoryTitle), nil
}

// StoryCalls returns how many stories were requested
func (m *MockGenerator) StoryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storyCalls
}

// EpisodeCalls returns the inputs of every episode request
func (m *MockGenerator) EpisodeCalls() []EpisodeInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EpisodeInput, len(m.episodeCalls))
	copy(out, m.episodeCalls)
	return out
}

// StaticInsights is an InsightProvider returning fixed insights
type StaticInsights struct {
	Value mangaflow.Insights
	Err   error
}

// Insights returns Value or Err
func (s StaticInsights) Insights(ctx context.Context, prefs mangaflow.Preferences) (*mangaflow.Insights, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	v := s.Value
	return &v, nil
}

var (
	_ TextGenerator   = (*MockGenerator)(nil)
	_ InsightProvider = StaticInsights{}
)
