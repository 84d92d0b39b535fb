// Package memory contains an in-memory artifact store for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Object captures one stored artifact.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
}

// Store keeps uploaded objects in memory for inspection.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New returns a memory Store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject records the object and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{
		Path:        path,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return fmt.Sprintf("mem://%s", path), nil
}

// Get returns a stored object by path.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
