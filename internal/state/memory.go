package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps state for the lifetime of the process.
type MemoryStore struct {
	mu         sync.RWMutex
	extensions map[string]struct{}
	catalogs   map[string]CatalogEntry
	history    []HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		extensions: map[string]struct{}{},
		catalogs:   map[string]CatalogEntry{},
	}
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) ListExtensions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.extensions))
	for name := range s.extensions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AddExtension(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[name] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveExtension(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extensions, name)
	return nil
}

func (s *MemoryStore) ListCatalogs(context.Context) ([]CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(s.catalogs))
	for _, entry := range s.catalogs {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) PutCatalog(_ context.Context, entry CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs[entry.Name] = entry
	return nil
}

func (s *MemoryStore) DeleteCatalog(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.catalogs, name)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewestFirst(s.history, limit), nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = TrimHistory(append(s.history, entry))
	return nil
}

func (s *MemoryStore) ClearHistory(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	return nil
}
