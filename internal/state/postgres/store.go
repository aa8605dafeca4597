// Package postgres implements state.Store on a Postgres database migrated by
// internal/migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loqe/loqe/internal/state"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Store struct {
	db *sql.DB
}

var _ state.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping state db: %w", err)
	}
	return nil
}

func (s *Store) ListExtensions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name
FROM loqe_extension
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan extension row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extension rows: %w", err)
	}
	return names, nil
}

func (s *Store) AddExtension(ctx context.Context, name string) error {
	query := `
INSERT INTO loqe_extension (name)
VALUES ($1)
ON CONFLICT (name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("add extension: %w", err)
	}
	return nil
}

func (s *Store) RemoveExtension(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loqe_extension WHERE name = $1`, name); err != nil {
		return fmt.Errorf("remove extension: %w", err)
	}
	return nil
}

func (s *Store) ListCatalogs(ctx context.Context) ([]state.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, uri, project_id
FROM loqe_catalog
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list catalogs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]state.CatalogEntry, 0)
	for rows.Next() {
		var entry state.CatalogEntry
		if err := rows.Scan(&entry.Name, &entry.URI, &entry.ProjectID); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return entries, nil
}

func (s *Store) PutCatalog(ctx context.Context, entry state.CatalogEntry) error {
	query := `
INSERT INTO loqe_catalog (name, uri, project_id)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET uri = EXCLUDED.uri, project_id = EXCLUDED.project_id, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, entry.Name, entry.URI, entry.ProjectID); err != nil {
		return fmt.Errorf("put catalog: %w", err)
	}
	return nil
}

func (s *Store) DeleteCatalog(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loqe_catalog WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete catalog: %w", err)
	}
	return nil
}

// ListHistory returns up to limit entries, newest first. limit <= 0 means HistoryLimit.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	if limit <= 0 || limit > state.HistoryLimit {
		limit = state.HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sql, executed_at, duration_ms, row_count, error
FROM loqe_query_history
ORDER BY executed_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]state.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry   state.HistoryEntry
			errText sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.SQL, &entry.ExecutedAt, &entry.DurationMs, &entry.RowCount, &errText); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Error = errText.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// AppendHistory inserts entry and trims the table to the newest HistoryLimit rows
// in one transaction.
func (s *Store) AppendHistory(ctx context.Context, entry state.HistoryEntry) error {
	return s.withTx(ctx, func(q dbTX) error {
		insert := `
INSERT INTO loqe_query_history (id, sql, executed_at, duration_ms, row_count, error)
VALUES ($1, $2, $3, $4, $5, $6)`
		var errText sql.NullString
		if entry.Error != "" {
			errText = sql.NullString{String: entry.Error, Valid: true}
		}
		if _, err := q.ExecContext(ctx, insert, entry.ID, entry.SQL, entry.ExecutedAt, entry.DurationMs, entry.RowCount, errText); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		trim := `
DELETE FROM loqe_query_history
WHERE id NOT IN (
	SELECT id FROM loqe_query_history
	ORDER BY executed_at DESC, id DESC
	LIMIT $1
)`
		if _, err := q.ExecContext(ctx, trim, state.HistoryLimit); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		return nil
	})
}

func (s *Store) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loqe_query_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(q dbTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
