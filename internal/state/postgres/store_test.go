package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/loqe/loqe/internal/state"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestListExtensions(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT name
FROM loqe_extension
ORDER BY name ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("httpfs").AddRow("spatial"))

	names, err := store.ListExtensions(context.Background())
	if err != nil {
		t.Fatalf("ListExtensions() error = %v", err)
	}
	if len(names) != 2 || names[0] != "httpfs" || names[1] != "spatial" {
		t.Fatalf("names = %v", names)
	}
	assertSQLMock(t, mock)
}

func TestAddExtensionIgnoresDuplicates(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO loqe_extension (name)
VALUES ($1)
ON CONFLICT (name) DO NOTHING`)).
		WithArgs("spatial").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.AddExtension(context.Background(), "spatial"); err != nil {
		t.Fatalf("AddExtension() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestPutCatalogUpserts(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO loqe_catalog (name, uri, project_id)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET uri = EXCLUDED.uri, project_id = EXCLUDED.project_id, updated_at = NOW()`)).
		WithArgs("lake", "https://catalog.example.com", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.PutCatalog(context.Background(), state.CatalogEntry{Name: "lake", URI: "https://catalog.example.com", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("PutCatalog() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListCatalogsWrapsQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM loqe_catalog`)).WillReturnError(sql.ErrConnDone)

	_, err := store.ListCatalogs(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("ListCatalogs() error = %v, want ErrConnDone", err)
	}
	assertSQLMock(t, mock)
}

func TestListHistoryMapsNullError(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, sql, executed_at, duration_ms, row_count, error
FROM loqe_query_history
ORDER BY executed_at DESC, id DESC
LIMIT $1`)).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sql", "executed_at", "duration_ms", "row_count", "error"}).
			AddRow("b", "SELECT 2", now, int64(4), 1, nil).
			AddRow("a", "SELEC 1", now.Add(-time.Second), int64(1), 0, "syntax error"))

	entries, err := store.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
	if entries[0].Error != "" || entries[1].Error != "syntax error" {
		t.Fatalf("unexpected errors: %+v", entries)
	}
	assertSQLMock(t, mock)
}

func TestListHistoryClampsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM loqe_query_history`)).
		WithArgs(state.HistoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sql", "executed_at", "duration_ms", "row_count", "error"}))

	if _, err := store.ListHistory(context.Background(), 0); err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendHistoryInsertsAndTrimsInTx(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO loqe_query_history (id, sql, executed_at, duration_ms, row_count, error)
VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs("id-1", "SELECT 1", now, int64(3), 1, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM loqe_query_history`)).
		WithArgs(state.HistoryLimit).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.AppendHistory(context.Background(), state.HistoryEntry{
		ID:         "id-1",
		SQL:        "SELECT 1",
		ExecutedAt: now,
		DurationMs: 3,
		RowCount:   1,
	})
	if err != nil {
		t.Fatalf("AppendHistory() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendHistoryRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO loqe_query_history`)).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := store.AppendHistory(context.Background(), state.HistoryEntry{ID: "dup", SQL: "SELECT 1", Error: "boom"})
	if err == nil {
		t.Fatal("expected append error")
	}
	assertSQLMock(t, mock)
}

func TestClearHistory(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM loqe_query_history`)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	if err := store.ClearHistory(context.Background()); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
