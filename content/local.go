package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// metaSuffix marks the sidecar file holding an object's content type and
// metadata
const metaSuffix = ".meta.json"

type objectMeta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocalStore keeps objects as files under a base directory
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the base directory if needed
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) fullPath(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// Put writes the object and its sidecar. The object is written to a temp
// file first so readers never see a partial body.
func (s *LocalStore) Put(ctx context.Context, p string, data []byte, contentType string, metadata map[string]string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}

	meta, err := json.Marshal(objectMeta{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(full+metaSuffix, meta, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", p, err)
	}
	return nil
}

// Get reads the object
func (s *LocalStore) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Metadata returns the content type and metadata written with the object
func (s *LocalStore) Metadata(ctx context.Context, p string) (string, map[string]string, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return "", nil, err
	}
	raw, err := os.ReadFile(full + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return "", nil, fmt.Errorf("failed to read metadata for %s: %w", p, err)
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", nil, fmt.Errorf("failed to decode metadata for %s: %w", p, err)
	}
	return meta.ContentType, meta.Metadata, nil
}

// Exists reports whether the object file exists
func (s *LocalStore) Exists(ctx context.Context, p string) (bool, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

// List walks the base directory, skipping sidecars and temp files
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.basePath, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the object and its sidecar
func (s *LocalStore) Delete(ctx context.Context, p string) error {
	full, err := s.fullPath(p)
	if err != nil {
		return err
	}
	for _, f := range []string{full, full + metaSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}
