// Package objectstore implements state.Store as a single JSON document in an
// object store. Writes are read-modify-write cycles guarded by the document ETag.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loqe/loqe/internal/state"
	"github.com/loqe/loqe/internal/storage"
)

const (
	DefaultNamespace = "default"
	documentName     = "state"
	maxWriteAttempts = 5
)

type document struct {
	Extensions []string             `json:"extensions"`
	Catalogs   []state.CatalogEntry `json:"catalogs"`
	// History is ordered oldest first.
	History []state.HistoryEntry `json:"history"`
}

type Store struct {
	objects storage.ObjectStore
	key     string

	// mu serializes writers within this process; the ETag check covers other processes.
	mu sync.Mutex
}

var _ state.Store = (*Store)(nil)

func New(objects storage.ObjectStore, namespace string) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	key, err := storage.DocumentKey(namespace, documentName)
	if err != nil {
		return nil, err
	}
	return &Store{objects: objects, key: key}, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.objects.Ping(ctx); err != nil {
		return fmt.Errorf("ping object store: %w", err)
	}
	return nil
}

func (s *Store) ListExtensions(ctx context.Context) ([]string, error) {
	doc, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Extensions, nil
}

func (s *Store) AddExtension(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *document) bool {
		for _, existing := range doc.Extensions {
			if existing == name {
				return false
			}
		}
		doc.Extensions = append(doc.Extensions, name)
		sort.Strings(doc.Extensions)
		return true
	})
}

func (s *Store) RemoveExtension(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *document) bool {
		for i, existing := range doc.Extensions {
			if existing == name {
				doc.Extensions = append(doc.Extensions[:i], doc.Extensions[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (s *Store) ListCatalogs(ctx context.Context) ([]state.CatalogEntry, error) {
	doc, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Catalogs, nil
}

func (s *Store) PutCatalog(ctx context.Context, entry state.CatalogEntry) error {
	return s.update(ctx, func(doc *document) bool {
		for i, existing := range doc.Catalogs {
			if existing.Name == entry.Name {
				if existing == entry {
					return false
				}
				doc.Catalogs[i] = entry
				return true
			}
		}
		doc.Catalogs = append(doc.Catalogs, entry)
		sort.Slice(doc.Catalogs, func(i, j int) bool { return doc.Catalogs[i].Name < doc.Catalogs[j].Name })
		return true
	})
}

func (s *Store) DeleteCatalog(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *document) bool {
		for i, existing := range doc.Catalogs {
			if existing.Name == name {
				doc.Catalogs = append(doc.Catalogs[:i], doc.Catalogs[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (s *Store) ListHistory(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	doc, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return state.NewestFirst(doc.History, limit), nil
}

func (s *Store) AppendHistory(ctx context.Context, entry state.HistoryEntry) error {
	return s.update(ctx, func(doc *document) bool {
		doc.History = state.TrimHistory(append(doc.History, entry))
		return true
	})
}

func (s *Store) ClearHistory(ctx context.Context) error {
	return s.update(ctx, func(doc *document) bool {
		if len(doc.History) == 0 {
			return false
		}
		doc.History = nil
		return true
	})
}

// load returns an empty document when none has been written yet.
func (s *Store) load(ctx context.Context) (document, string, error) {
	body, info, err := s.objects.Get(ctx, s.key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return emptyDocument(), "", nil
	}
	if err != nil {
		return document{}, "", fmt.Errorf("read state document: %w", err)
	}
	doc := emptyDocument()
	if err := json.Unmarshal(body, &doc); err != nil {
		return document{}, "", fmt.Errorf("decode state document: %w", err)
	}
	return doc, info.ETag, nil
}

// update applies mutate and writes the document back when it reports a change,
// retrying from a fresh read when another writer got there first.
func (s *Store) update(ctx context.Context, mutate func(doc *document) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		doc, etag, err := s.load(ctx)
		if err != nil {
			return err
		}
		if !mutate(&doc) {
			return nil
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode state document: %w", err)
		}
		_, err = s.objects.Put(ctx, s.key, body, storage.PutOptions{
			ContentType: "application/json",
			IfMatch:     etag,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) || attempt >= maxWriteAttempts {
			return fmt.Errorf("write state document: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func emptyDocument() document {
	return document{
		Extensions: []string{},
		Catalogs:   []state.CatalogEntry{},
		History:    []state.HistoryEntry{},
	}
}
