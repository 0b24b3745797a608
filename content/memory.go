package content

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps objects in memory
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	// PutErr, when set, fails every Put
	PutErr error
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put stores a copy of data
func (s *MemoryStore) Put(ctx context.Context, p string, data []byte, contentType string, metadata map[string]string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.objects[key] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		metadata:    metadata,
	}
	return nil
}

// Get returns a copy of the object
func (s *MemoryStore) Get(ctx context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// ContentType returns the content type the object was written with
func (s *MemoryStore) ContentType(p string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[p].contentType
}

// Exists reports whether p is stored
func (s *MemoryStore) Exists(ctx context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[p]
	return ok, nil
}

// List returns matching paths in order
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes p
func (s *MemoryStore) Delete(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, p)
	return nil
}
