package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqe/loqe/internal/catalog"
	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/query"
	"github.com/loqe/loqe/internal/query/querytest"
	"github.com/loqe/loqe/internal/state"
)

type harness struct {
	driver   *querytest.Driver
	settings *guardrail.Store
	store    *state.MemoryStore
	deps     Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		driver:   &querytest.Driver{},
		settings: guardrail.NewStore(guardrail.DefaultSettings(0)),
		store:    state.NewMemoryStore(),
	}
	h.deps = Dependencies{Driver: h.driver, Settings: h.settings, Store: h.store}
	return h
}

func (h *harness) engine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{MaxConnections: 2, CPUs: 2}, h.deps)
}

func (h *harness) update(t *testing.T, mutate func(*guardrail.Settings)) {
	t.Helper()
	settings := h.settings.Current()
	mutate(&settings)
	if err := h.settings.Update(settings); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func rowsFor(total int) querytest.QueryFunc {
	return func(context.Context, string) (query.Table, error) {
		return querytest.Rows(total), nil
	}
}

func TestInitializeSharesInFlightInitialization(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Initialize(context.Background(), "tok"); err != nil {
				t.Errorf("Initialize() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.driver.OpenCalls(); got != 1 {
		t.Fatalf("expected one engine instantiation, got %d", got)
	}
	if e.State() != StateInitialized {
		t.Fatalf("State() = %s, want initialized", e.State())
	}
	opts := h.driver.LastOptions()
	if opts.Bundle.Name != "parallel" || opts.Bundle.Threads != 2 || opts.Path != "" {
		t.Fatalf("unexpected open options: %+v", opts)
	}
}

func TestInitializeFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.driver.OpenErr = errors.New("engine assets unavailable")
	e := h.engine(t)

	if err := e.Initialize(context.Background(), ""); err == nil {
		t.Fatal("expected initialization error")
	}
	if e.State() != StateUninitialized {
		t.Fatalf("State() = %s, want uninitialized after failure", e.State())
	}

	h.driver.OpenErr = nil
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() retry error = %v", err)
	}
	if e.State() != StateInitialized {
		t.Fatalf("State() = %s, want initialized", e.State())
	}
}

func TestOperationsBeforeInitialization(t *testing.T) {
	e := newHarness(t).engine(t)
	if _, err := e.FreeMemory(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, ok := e.PoolStats(); ok {
		t.Fatal("expected no pool before initialization")
	}
}

func TestQueryRowCapInvariant(t *testing.T) {
	tests := []struct {
		total, maxRows int
	}{
		{total: 0, maxRows: 10},
		{total: 5, maxRows: 10},
		{total: 10, maxRows: 10},
		{total: 2500, maxRows: 1200},
		{total: 30, maxRows: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("total=%d/max=%d", tt.total, tt.maxRows), func(t *testing.T) {
			h := newHarness(t)
			h.driver.Query = rowsFor(tt.total)
			h.update(t, func(s *guardrail.Settings) { s.MaxResultRows = tt.maxRows })
			e := h.engine(t)

			result, err := e.Query(context.Background(), "SELECT * FROM range(n)")
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			want := guardrail.RowsToRead(tt.total, tt.maxRows)
			if result.RowCount != want || len(result.Rows) != want {
				t.Fatalf("RowCount = %d (%d rows), want %d", result.RowCount, len(result.Rows), want)
			}
			if result.TotalRowCount != tt.total {
				t.Fatalf("TotalRowCount = %d, want %d", result.TotalRowCount, tt.total)
			}
			wantTruncated := tt.maxRows > 0 && tt.total > tt.maxRows
			if result.Truncated != wantTruncated {
				t.Fatalf("Truncated = %v, want %v", result.Truncated, wantTruncated)
			}
			if want > 0 && result.Rows[want-1][0].Int != int64(want-1) {
				t.Fatalf("unexpected last row: %+v", result.Rows[want-1])
			}
		})
	}
}

func TestQueryMemoryLimitFailsBeforeAcquire(t *testing.T) {
	h := newHarness(t)
	h.deps.Memory = guardrail.StaticProbe(1024)
	h.update(t, func(s *guardrail.Settings) {
		s.MemoryWarningMB = 512
		s.MemoryLimitMB = 1024
	})
	e := h.engine(t)

	_, err := e.Query(context.Background(), "SELECT 1")
	if !errors.Is(err, guardrail.ErrMemoryBlocked) {
		t.Fatalf("expected ErrMemoryBlocked, got %v", err)
	}
	if got := h.driver.Last().Connects(); got != 0 {
		t.Fatalf("expected no connection to be opened, got %d", got)
	}
}

func TestQueryMemoryWarningStillExecutes(t *testing.T) {
	h := newHarness(t)
	h.deps.Memory = guardrail.StaticProbe(600)
	h.driver.Query = rowsFor(1)
	h.update(t, func(s *guardrail.Settings) {
		s.MemoryWarningMB = 512
		s.MemoryLimitMB = 1024
	})
	e := h.engine(t)

	result, err := e.Query(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.RowCount != 1 || len(result.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestQueryTimeoutReleasesConnection(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = func(ctx context.Context, _ string) (query.Table, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return querytest.Rows(1), nil
		}
	}
	h.update(t, func(s *guardrail.Settings) { s.QueryTimeoutSeconds = 1 })
	e := h.engine(t)

	start := time.Now()
	_, err := e.Query(context.Background(), "SELECT slow()")
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "1s") {
		t.Fatalf("expected timeout message to name the duration, got %q", err.Error())
	}
	if elapsed > 3*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, ok := e.PoolStats()
		if ok && stats.Active == 0 && stats.Available == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection was not released: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueryResultSizeGuardrail(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = rowsFor(20000)
	h.update(t, func(s *guardrail.Settings) {
		s.MaxResultRows = 0
		s.MaxResultSizeMB = 1
	})
	e := h.engine(t)

	_, err := e.Query(context.Background(), "SELECT * FROM big")
	if !errors.Is(err, guardrail.ErrResultTooLarge) {
		t.Fatalf("expected ErrResultTooLarge, got %v", err)
	}
	if stats, _ := e.PoolStats(); stats.Active != 0 {
		t.Fatalf("connection leaked after rejection: %+v", stats)
	}

	h.update(t, func(s *guardrail.Settings) { s.MaxResultRows = 1000 })
	if _, err := e.Query(context.Background(), "SELECT * FROM big"); err != nil {
		t.Fatalf("Query() with row cap error = %v", err)
	}
}

func TestQueryRetainsOnlyCappedRows(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = rowsFor(50000)
	h.update(t, func(s *guardrail.Settings) { s.MaxResultRows = 10 })
	e := h.engine(t)

	result, err := e.Query(context.Background(), "SELECT * FROM range(50000)")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.RowCount != 10 || len(result.Rows) != 10 || result.TotalRowCount != 50000 || !result.Truncated {
		t.Fatalf("unexpected result shape: rows=%d count=%d total=%d truncated=%v",
			len(result.Rows), result.RowCount, result.TotalRowCount, result.Truncated)
	}
	limits := h.driver.Last().RowLimits()
	if len(limits) == 0 || limits[len(limits)-1] != 10 {
		t.Fatalf("RowLimits() = %v, want last limit 10", limits)
	}
}

func TestQueryStatementFailureIsWrapped(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = func(context.Context, string) (query.Table, error) {
		return nil, errors.New("Catalog Error: Table with name nope does not exist")
	}
	e := h.engine(t)

	_, err := e.Query(context.Background(), "SELECT * FROM nope")
	if !errors.Is(err, query.ErrStatementFailed) {
		t.Fatalf("expected ErrStatementFailed, got %v", err)
	}
}

func TestQueryRecordsHistory(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = func(_ context.Context, statement string) (query.Table, error) {
		if strings.Contains(statement, "broken") {
			return nil, errors.New("parser error")
		}
		return querytest.Rows(3), nil
	}
	e := h.engine(t)
	ctx := context.Background()

	if _, err := e.Query(ctx, "SELECT 1"); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, err := e.Query(ctx, "SELECT broken"); err == nil {
		t.Fatal("expected query error")
	}

	history, err := e.History(ctx, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].SQL != "SELECT broken" || history[0].Error == "" {
		t.Fatalf("expected newest failed entry first, got %+v", history[0])
	}
	if history[1].RowCount != 3 || history[1].ID == "" {
		t.Fatalf("unexpected success entry: %+v", history[1])
	}
}

func TestInstallExtensionAppliesRepositoryAndPersists(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(s *guardrail.Settings) { s.ExtensionRepository = "https://ext.example" })
	e := h.engine(t)
	ctx := context.Background()

	if err := e.InstallExtension(ctx, "spatial"); err != nil {
		t.Fatalf("InstallExtension() error = %v", err)
	}
	statements := h.driver.Last().Statements()
	want := []string{
		"SET custom_extension_repository = 'https://ext.example'",
		"INSTALL spatial",
		"LOAD spatial",
	}
	if strings.Join(statements, "|") != strings.Join(want, "|") {
		t.Fatalf("statements = %q, want %q", statements, want)
	}
	persisted, _ := h.store.ListExtensions(ctx)
	if len(persisted) != 1 || persisted[0] != "spatial" {
		t.Fatalf("unexpected persisted extensions: %v", persisted)
	}

	if err := e.RemoveExtension(ctx, "spatial"); err != nil {
		t.Fatalf("RemoveExtension() error = %v", err)
	}
	if persisted, _ := h.store.ListExtensions(ctx); len(persisted) != 0 {
		t.Fatalf("expected extension to be forgotten, got %v", persisted)
	}
	if err := e.InstallExtension(ctx, "Robert'); DROP"); err == nil {
		t.Fatal("expected invalid extension name to be rejected")
	}
}

func TestLoadExtensionsSkipsFailures(t *testing.T) {
	h := newHarness(t)
	h.driver.Exec = func(_ context.Context, statement string) error {
		if statement == "INSTALL broken" {
			return errors.New("extension not found")
		}
		return nil
	}
	e := h.engine(t)
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	loaded := e.LoadExtensions(context.Background(), []string{"json", "broken", "spatial"})
	if strings.Join(loaded, ",") != "json,spatial" {
		t.Fatalf("loaded = %v", loaded)
	}
}

func TestRestoreOnInitializeLoadsPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.AddExtension(ctx, "spatial")
	_ = h.store.PutCatalog(ctx, state.CatalogEntry{Name: "lake", URI: "https://lake"})
	e := h.engine(t)

	if err := e.Initialize(ctx, "tok"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	status := e.Status()
	if strings.Join(status.Extensions, ",") != "httpfs,iceberg,spatial" {
		t.Fatalf("extensions = %v", status.Extensions)
	}
	if len(status.Catalogs) != 1 || status.Catalogs[0] != "lake" {
		t.Fatalf("catalogs = %v", status.Catalogs)
	}
}

func TestAttachCatalogInstallsBaselineAndPersistsWithoutToken(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	ctx := context.Background()

	err := e.AttachCatalog(ctx, catalog.Config{Name: "lake", URI: "https://lake", ProjectID: "p1", Token: "secret-token"})
	if err != nil {
		t.Fatalf("AttachCatalog() error = %v", err)
	}
	db := h.driver.Last()
	if db.Count("INSTALL httpfs") != 1 || db.Count("INSTALL iceberg") != 1 {
		t.Fatalf("expected baseline extensions, got %q", db.Statements())
	}
	entries, _ := h.store.ListCatalogs(ctx)
	if len(entries) != 1 || entries[0] != (state.CatalogEntry{Name: "lake", URI: "https://lake", ProjectID: "p1"}) {
		t.Fatalf("unexpected persisted catalogs: %+v", entries)
	}

	if err := e.AttachCatalog(ctx, catalog.Config{Name: "other", URI: "https://other"}); err != nil {
		t.Fatalf("AttachCatalog() error = %v", err)
	}
	if db.Count("INSTALL httpfs") != 1 {
		t.Fatal("baseline extensions must be installed once")
	}

	if err := e.DetachCatalog(ctx, "lake"); err != nil {
		t.Fatalf("DetachCatalog() error = %v", err)
	}
	entries, _ = h.store.ListCatalogs(ctx)
	if len(entries) != 1 || entries[0].Name != "other" {
		t.Fatalf("unexpected persisted catalogs after detach: %+v", entries)
	}
}

func TestRotateTokenRefreshesAndRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.PutCatalog(ctx, state.CatalogEntry{Name: "persisted", URI: "https://persisted"})
	e := h.engine(t)

	if err := e.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(e.Catalogs()) != 0 {
		t.Fatal("restore must wait for a token")
	}

	summary, err := e.RotateToken(ctx, "tok-2")
	if err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}
	if strings.Join(summary.Restored.Attached, ",") != "persisted" {
		t.Fatalf("unexpected restore summary: %+v", summary.Restored)
	}
	if h.driver.Last().Count(`CREATE OR REPLACE SECRET "secret_persisted" (TYPE iceberg, TOKEN 'tok-2')`) != 1 {
		t.Fatalf("expected secret bound to new token, got %q", h.driver.Last().Statements())
	}

	summary, err = e.RotateToken(ctx, "tok-3")
	if err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}
	if strings.Join(summary.Catalogs.Refreshed, ",") != "persisted" || len(summary.Restored.Attached) != 0 {
		t.Fatalf("unexpected rotation summary: %+v", summary)
	}
}

func TestFreeMemoryToleratesMissingShrink(t *testing.T) {
	h := newHarness(t)
	h.driver.Exec = func(_ context.Context, statement string) error {
		if statement == "PRAGMA shrink_memory" {
			return errors.New("unknown pragma")
		}
		return nil
	}
	e := h.engine(t)
	ctx := context.Background()
	if err := e.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := e.Query(ctx, "SELECT 1"); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	report, err := e.FreeMemory(ctx)
	if err != nil {
		t.Fatalf("FreeMemory() error = %v", err)
	}
	if report.BeforeMB != nil || report.AfterMB != nil {
		t.Fatalf("expected nil readings without a probe, got %+v", report)
	}
	if report.IdleClosed != 1 {
		t.Fatalf("IdleClosed = %d, want 1", report.IdleClosed)
	}
	if h.driver.Last().Count("CHECKPOINT") != 1 {
		t.Fatal("expected a checkpoint")
	}

	h.deps.Memory = guardrail.StaticProbe(300)
	withProbe := New(Config{}, h.deps)
	if err := withProbe.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	report, err = withProbe.FreeMemory(ctx)
	if err != nil {
		t.Fatalf("FreeMemory() error = %v", err)
	}
	if report.BeforeMB == nil || *report.BeforeMB != 300 {
		t.Fatalf("unexpected readings: %+v", report)
	}
}

func TestListColumnsFallsBackToInformationSchema(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = func(_ context.Context, statement string) (query.Table, error) {
		if strings.HasPrefix(statement, "DESCRIBE") {
			return nil, errors.New("describe unsupported")
		}
		return querytest.NewTable([]string{"column_name", "data_type"}, [][]any{{"id", "BIGINT"}, {"name", "VARCHAR"}}), nil
	}
	e := h.engine(t)

	columns, err := e.ListColumns(context.Background(), "main.events")
	if err != nil {
		t.Fatalf("ListColumns() error = %v", err)
	}
	if len(columns) != 2 || columns[0] != (query.Column{Name: "id", Type: "BIGINT"}) {
		t.Fatalf("unexpected columns: %+v", columns)
	}
	if h.driver.Last().Count("SELECT column_name, data_type FROM information_schema.columns") != 1 {
		t.Fatal("expected information_schema fallback")
	}
}

func TestInstalledExtensionsReadsEngineCatalog(t *testing.T) {
	h := newHarness(t)
	h.driver.Query = func(context.Context, string) (query.Table, error) {
		return querytest.NewTable([]string{"extension_name", "installed", "loaded"}, [][]any{
			{"httpfs", true, true},
			{"spatial", true, false},
		}), nil
	}
	e := h.engine(t)

	extensions, err := e.InstalledExtensions(context.Background())
	if err != nil {
		t.Fatalf("InstalledExtensions() error = %v", err)
	}
	if len(extensions) != 2 || !extensions[0].Loaded || extensions[1].Loaded || !extensions[1].Installed {
		t.Fatalf("unexpected extensions: %+v", extensions)
	}
}
