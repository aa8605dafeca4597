package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqe/loqe/internal/state"
	"github.com/loqe/loqe/internal/storage"
)

type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	etags    map[string]int
	puts     int
	conflict int
	pingErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, etags: map[string]int{}}
}

func (f *fakeObjects) Ping(context.Context) error { return f.pingErr }

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return append([]byte(nil), body...), storage.ObjectInfo{Key: key, Size: int64(len(body)), ETag: f.etag(key)}, nil
}

func (f *fakeObjects) Put(_ context.Context, key string, body []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.conflict > 0 {
		f.conflict--
		// another writer bumps the version between read and write
		f.etags[key]++
		return storage.ObjectInfo{}, storage.ErrPreconditionFailed
	}
	if opts.IfMatch != "" && opts.IfMatch != f.etag(key) {
		return storage.ObjectInfo{}, storage.ErrPreconditionFailed
	}
	f.objects[key] = append([]byte(nil), body...)
	f.etags[key]++
	return storage.ObjectInfo{Key: key, Size: int64(len(body)), ETag: f.etag(key)}, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) etag(key string) string {
	return fmt.Sprintf("v%d", f.etags[key])
}

func newTestStore(t *testing.T) (*Store, *fakeObjects) {
	t.Helper()
	objects := newFakeObjects()
	store, err := New(objects, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store, objects
}

func TestEmptyStoreListsNothing(t *testing.T) {
	store, objects := newTestStore(t)

	extensions, err := store.ListExtensions(context.Background())
	if err != nil {
		t.Fatalf("ListExtensions() error = %v", err)
	}
	if len(extensions) != 0 {
		t.Fatalf("extensions = %v", extensions)
	}
	if objects.puts != 0 {
		t.Fatalf("puts = %d, want 0", objects.puts)
	}
}

func TestExtensionsAreDedupedAndSorted(t *testing.T) {
	store, objects := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"spatial", "httpfs", "spatial"} {
		if err := store.AddExtension(ctx, name); err != nil {
			t.Fatalf("AddExtension(%q) error = %v", name, err)
		}
	}
	extensions, err := store.ListExtensions(ctx)
	if err != nil {
		t.Fatalf("ListExtensions() error = %v", err)
	}
	if strings.Join(extensions, ",") != "httpfs,spatial" {
		t.Fatalf("extensions = %v", extensions)
	}
	if objects.puts != 2 {
		t.Fatalf("puts = %d, want 2 (duplicate add is a no-op)", objects.puts)
	}

	if err := store.RemoveExtension(ctx, "httpfs"); err != nil {
		t.Fatalf("RemoveExtension() error = %v", err)
	}
	extensions, _ = store.ListExtensions(ctx)
	if strings.Join(extensions, ",") != "spatial" {
		t.Fatalf("extensions after remove = %v", extensions)
	}
}

func TestCatalogsUpsertAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	mustPut := func(entry state.CatalogEntry) {
		t.Helper()
		if err := store.PutCatalog(ctx, entry); err != nil {
			t.Fatalf("PutCatalog() error = %v", err)
		}
	}
	mustPut(state.CatalogEntry{Name: "b", URI: "https://b"})
	mustPut(state.CatalogEntry{Name: "a", URI: "https://a"})
	mustPut(state.CatalogEntry{Name: "b", URI: "https://b2", ProjectID: "p"})

	catalogs, err := store.ListCatalogs(ctx)
	if err != nil {
		t.Fatalf("ListCatalogs() error = %v", err)
	}
	if len(catalogs) != 2 || catalogs[0].Name != "a" || catalogs[1].URI != "https://b2" {
		t.Fatalf("catalogs = %+v", catalogs)
	}

	if err := store.DeleteCatalog(ctx, "a"); err != nil {
		t.Fatalf("DeleteCatalog() error = %v", err)
	}
	catalogs, _ = store.ListCatalogs(ctx)
	if len(catalogs) != 1 || catalogs[0].Name != "b" {
		t.Fatalf("catalogs after delete = %+v", catalogs)
	}
}

func TestHistoryKeepsNewestEntries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < state.HistoryLimit+5; i++ {
		entry := state.HistoryEntry{ID: fmt.Sprintf("q%d", i), SQL: "SELECT 1", ExecutedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}

	entries, err := store.ListHistory(ctx, 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(entries) != state.HistoryLimit {
		t.Fatalf("len(entries) = %d, want %d", len(entries), state.HistoryLimit)
	}
	if entries[0].ID != fmt.Sprintf("q%d", state.HistoryLimit+4) {
		t.Fatalf("newest entry = %q", entries[0].ID)
	}

	if err := store.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	entries, _ = store.ListHistory(ctx, 5)
	if len(entries) != 0 {
		t.Fatalf("entries after clear = %d", len(entries))
	}
}

func TestUpdateRetriesOnPreconditionFailure(t *testing.T) {
	store, objects := newTestStore(t)
	ctx := context.Background()
	if err := store.AddExtension(ctx, "httpfs"); err != nil {
		t.Fatalf("AddExtension() error = %v", err)
	}

	objects.conflict = 2
	if err := store.AddExtension(ctx, "spatial"); err != nil {
		t.Fatalf("AddExtension() error = %v", err)
	}
	extensions, _ := store.ListExtensions(ctx)
	if strings.Join(extensions, ",") != "httpfs,spatial" {
		t.Fatalf("extensions = %v", extensions)
	}
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	store, objects := newTestStore(t)
	objects.conflict = maxWriteAttempts

	err := store.AddExtension(context.Background(), "httpfs")
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		t.Fatalf("AddExtension() error = %v, want ErrPreconditionFailed", err)
	}
}

func TestHealthCheckPingsObjectStore(t *testing.T) {
	store, objects := newTestStore(t)
	objects.pingErr = errors.New("unreachable")

	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check error")
	}
}

func TestNewRejectsInvalidNamespace(t *testing.T) {
	if _, err := New(newFakeObjects(), "../escape"); err == nil {
		t.Fatal("expected namespace validation error")
	}
}
