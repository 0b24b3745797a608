package generation

import (
	"fmt"
	"strings"

	"github.com/sicko7947/mangaflow"
)

const storySystemPrompt = "You are a manga story writer. Start with a markdown heading holding the story title, then write the story."

const episodeSystemPrompt = "You are a manga story writer continuing a serialized story. Start with a markdown heading holding the episode title, then write the episode."

func describePreferences(b *strings.Builder, prefs mangaflow.Preferences) {
	writeList(b, "Genres", prefs.Genres)
	writeList(b, "Themes", prefs.Themes)
	writeList(b, "Characters", prefs.Characters)
	writeField(b, "Art style", prefs.ArtStyle)
	writeField(b, "Mood", prefs.Mood)
	writeField(b, "Setting", prefs.Setting)
	writeField(b, "Target audience", prefs.TargetAudience)
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) > 0 {
		fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, ", "))
	}
}

func writeField(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "%s: %s\n", label, value)
	}
}

// StoryPrompt renders the user prompt for a new story
func StoryPrompt(prefs mangaflow.Preferences, insights mangaflow.Insights) string {
	var b strings.Builder
	b.WriteString("Write the opening of a manga story for a reader with these preferences.\n\n")
	describePreferences(&b, prefs)

	if len(insights.Recommendations) > 0 {
		b.WriteString("\nCultural references the reader enjoys:\n")
		for _, r := range insights.Recommendations {
			if r.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", r.Name)
			}
		}
	}
	writeList(&b, "\nCurrent trends", insights.Trends)
	return b.String()
}

// EpisodePrompt renders the user prompt for one episode
func EpisodePrompt(in EpisodeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write episode %d of the story %q.\n\n", in.EpisodeNumber, in.StoryTitle)
	describePreferences(&b, in.Preferences)
	b.WriteString("\nStory so far:\n")
	b.WriteString(in.StoryContent)
	if in.PreviousEpisode != "" {
		b.WriteString("\n\nPrevious episode:\n")
		b.WriteString(in.PreviousEpisode)
	}
	return b.String()
}
