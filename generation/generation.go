// Package generation wraps the external text-generation and
// cultural-insight collaborators and parses what they return.
package generation

import (
	"context"

	"github.com/sicko7947/mangaflow"
)

// Dependency names used for circuit breakers and metrics
const (
	DependencyText     = "text-generation"
	DependencyInsights = "cultural-insights"
)

// EpisodeInput is everything needed to write one episode
type EpisodeInput struct {
	StoryTitle    string
	StoryContent  string
	EpisodeNumber int
	Preferences   mangaflow.Preferences
	// PreviousEpisode is the body of the episode before this one, if any
	PreviousEpisode string
}

// TextGenerator produces free-text story and episode content
type TextGenerator interface {
	GenerateStory(ctx context.Context, prefs mangaflow.Preferences, insights mangaflow.Insights) (string, error)
	GenerateEpisode(ctx context.Context, in EpisodeInput) (string, error)
}

// InsightProvider returns cultural context for a taste profile
type InsightProvider interface {
	Insights(ctx context.Context, prefs mangaflow.Preferences) (*mangaflow.Insights, error)
}
