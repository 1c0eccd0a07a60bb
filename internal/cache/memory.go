package cache

import (
	"context"
	"sync"
)

// MemoryStore is the in-process fallback cache used when redis is absent
// or unhealthy. Entries are bucketed per generation so stale-generation
// purging behaves the same as the redis store.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]*Entry
	generation  string
}

func NewMemoryStore(generation string) *MemoryStore {
	return &MemoryStore{
		generations: map[string]map[string]*Entry{generation: {}},
		generation:  generation,
	}
}

func (s *MemoryStore) Get(_ context.Context, url string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.generations[s.generation][url]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (s *MemoryStore) Set(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.generations[s.generation]
	if !ok {
		bucket = make(map[string]*Entry)
		s.generations[s.generation] = bucket
	}
	bucket[entry.URL] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations[s.generation], url)
	return nil
}

func (s *MemoryStore) PurgeStale(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for gen, bucket := range s.generations {
		if gen == s.generation {
			continue
		}
		purged += len(bucket)
		delete(s.generations, gen)
	}
	return purged, nil
}
