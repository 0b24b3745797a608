// Package content stores generated story and episode bodies by path.
package content

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sicko7947/mangaflow"
)

// ErrNotFound is returned when no object exists at a path
var ErrNotFound = errors.New("content not found")

// Content types
const (
	ContentTypeMarkdown = "text/markdown; charset=utf-8"
	ContentTypeJSON     = "application/json"
)

// Store is a flat object store keyed by slash-separated paths
type Store interface {
	// Put writes data at p, replacing any existing object
	Put(ctx context.Context, p string, data []byte, contentType string, metadata map[string]string) error

	// Get reads the object at p, failing with ErrNotFound if absent
	Get(ctx context.Context, p string) ([]byte, error)

	// Exists reports whether an object exists at p
	Exists(ctx context.Context, p string) (bool, error)

	// List returns every path starting with prefix, in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at p. Deleting a missing path is not an error.
	Delete(ctx context.Context, p string) error
}

// StoryPath is where a story body lives
func StoryPath(userID, storyID string) string {
	return fmt.Sprintf("stories/%s/%s/story.md", userID, storyID)
}

// EpisodePath is where an episode body lives
func EpisodePath(userID, storyID string, episodeNumber int) string {
	return fmt.Sprintf("episodes/%s/%s/%d/episode.md", userID, storyID, episodeNumber)
}

// GetText reads the object at p as text
func GetText(ctx context.Context, s Store, p string) (string, error) {
	data, err := s.Get(ctx, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// cleanPath rejects paths that could escape the store root
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", mangaflow.ValidationError(fmt.Sprintf("invalid content path %q", p))
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", mangaflow.ValidationError(fmt.Sprintf("invalid content path %q", p))
		}
	}
	return path.Clean(p), nil
}

// New builds the store selected by cfg.Backend
func New(cfg mangaflow.ContentConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.BasePath)
	case "oss":
		return NewOSSStore(cfg.OSSEndpoint, cfg.OSSBucket, cfg.AccessKeyID, cfg.AccessKeySecret)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}
