package offset

import (
	"context"
	"sync"
)

// MemoryStore is an OffsetStore that lives for one run only
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory catalog
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, filePath string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[filePath]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, filePath string, entry Entry) error {
	s.mu.Lock()
	s.entries[filePath] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, filePath string) error {
	s.mu.Lock()
	delete(s.entries, filePath)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
