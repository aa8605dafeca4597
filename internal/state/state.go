// Package state persists installed extensions, catalog descriptors and query
// history across restarts. Catalog descriptors never carry credentials.
package state

import (
	"context"
	"errors"
	"time"
)

// HistoryLimit is the number of most recent history entries kept.
const HistoryLimit = 200

var ErrNotFound = errors.New("state: not found")

type Store interface {
	HealthCheck(ctx context.Context) error

	ListExtensions(ctx context.Context) ([]string, error)
	AddExtension(ctx context.Context, name string) error
	RemoveExtension(ctx context.Context, name string) error

	ListCatalogs(ctx context.Context) ([]CatalogEntry, error)
	PutCatalog(ctx context.Context, entry CatalogEntry) error
	DeleteCatalog(ctx context.Context, name string) error

	// ListHistory returns up to limit entries, newest first.
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ClearHistory(ctx context.Context) error
}

type CatalogEntry struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	ProjectID string `json:"project_id,omitempty"`
}

type HistoryEntry struct {
	ID         string    `json:"id"`
	SQL        string    `json:"sql"`
	ExecutedAt time.Time `json:"executed_at"`
	DurationMs int64     `json:"duration_ms"`
	RowCount   int       `json:"row_count"`
	Error      string    `json:"error,omitempty"`
}

// TrimHistory keeps the newest HistoryLimit entries of a list ordered oldest first.
func TrimHistory(entries []HistoryEntry) []HistoryEntry {
	if len(entries) <= HistoryLimit {
		return entries
	}
	return append([]HistoryEntry(nil), entries[len(entries)-HistoryLimit:]...)
}

// NewestFirst returns up to limit entries from a list ordered oldest first.
// limit <= 0 returns every entry.
func NewestFirst(entries []HistoryEntry, limit int) []HistoryEntry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]HistoryEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}
