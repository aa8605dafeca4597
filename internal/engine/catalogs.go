package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loqe/loqe/internal/catalog"
	"github.com/loqe/loqe/internal/state"
	"github.com/loqe/loqe/internal/token"
)

// restoreConcurrency bounds concurrent catalog attaches during restore.
const restoreConcurrency = 4

// AttachCatalog installs the baseline extensions, attaches cfg and persists
// its descriptor without the token.
func (e *Engine) AttachCatalog(ctx context.Context, cfg catalog.Config) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	if err := e.ensureBaseline(ctx); err != nil {
		return &catalog.Error{Catalog: cfg.Name, Op: catalog.OpAttach, Err: err}
	}
	c, err := e.components()
	if err != nil {
		return err
	}
	if err := c.catalogs.Attach(ctx, cfg); err != nil {
		return err
	}
	if e.deps.Store != nil {
		entry := state.CatalogEntry{Name: cfg.Name, URI: cfg.URI, ProjectID: cfg.ProjectID}
		if err := e.deps.Store.PutCatalog(ctx, entry); err != nil {
			e.deps.Logger.WarnContext(ctx, "persist catalog failed", slog.String("catalog", cfg.Name), slog.Any("error", err))
		}
	}
	return nil
}

// DetachCatalog detaches name and removes its persisted descriptor.
func (e *Engine) DetachCatalog(ctx context.Context, name string) error {
	if c, err := e.components(); err == nil {
		if err := c.catalogs.Detach(ctx, name); err != nil {
			return err
		}
	}
	if e.deps.Store != nil {
		if err := e.deps.Store.DeleteCatalog(ctx, name); err != nil {
			return fmt.Errorf("delete persisted catalog: %w", err)
		}
	}
	return nil
}

func (e *Engine) Catalogs() []catalog.Attached {
	c, err := e.components()
	if err != nil {
		return []catalog.Attached{}
	}
	return c.catalogs.List()
}

type RestoreSummary struct {
	Attached []string `json:"attached"`
	Failed   []string `json:"failed,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
}

// RestoreCatalogs attaches every persisted catalog that is not live yet.
// Nothing is attempted without a token.
func (e *Engine) RestoreCatalogs(ctx context.Context) (RestoreSummary, error) {
	summary := RestoreSummary{Attached: []string{}}
	c, err := e.components()
	if err != nil {
		return summary, err
	}
	if e.deps.Store == nil {
		return summary, nil
	}
	if c.tokens.CurrentToken() == "" {
		summary.Skipped = true
		return summary, nil
	}
	entries, err := e.deps.Store.ListCatalogs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list persisted catalogs: %w", err)
	}

	pending := make([]state.CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		if !c.catalogs.IsAttached(entry.Name) {
			pending = append(pending, entry)
		}
	}
	if len(pending) == 0 {
		return summary, nil
	}
	if err := e.ensureBaseline(ctx); err != nil {
		return summary, fmt.Errorf("install catalog extensions: %w", err)
	}

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(restoreConcurrency)
	for _, entry := range pending {
		group.Go(func() error {
			err := c.catalogs.Attach(ctx, catalog.Config{Name: entry.Name, URI: entry.URI, ProjectID: entry.ProjectID})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed = append(summary.Failed, entry.Name)
				e.deps.Logger.WarnContext(ctx, "restore catalog failed", slog.String("catalog", entry.Name), slog.Any("error", err))
				return nil
			}
			summary.Attached = append(summary.Attached, entry.Name)
			return nil
		})
	}
	_ = group.Wait()
	sort.Strings(summary.Attached)
	sort.Strings(summary.Failed)
	return summary, nil
}

type RotationSummary struct {
	Secrets  token.RefreshSummary   `json:"secrets"`
	Catalogs catalog.RefreshSummary `json:"catalogs"`
	Restored RestoreSummary         `json:"restored"`
}

// RotateToken rebinds every secret and catalog to newToken, then attaches
// persisted catalogs that are not live. Before initialization it only
// records the token for later use.
func (e *Engine) RotateToken(ctx context.Context, newToken string) (RotationSummary, error) {
	if newToken == "" {
		return RotationSummary{}, fmt.Errorf("token is required")
	}
	e.mu.Lock()
	e.token = newToken
	e.mu.Unlock()

	c, err := e.components()
	if errors.Is(err, ErrNotInitialized) {
		// Initialize picks the recorded token up.
		return RotationSummary{}, nil
	}
	if err != nil {
		return RotationSummary{}, err
	}
	var summary RotationSummary
	summary.Secrets, err = c.tokens.RefreshAllSecrets(ctx, newToken)
	if err != nil {
		return summary, err
	}
	summary.Catalogs = c.catalogs.RefreshAll(ctx, newToken)
	summary.Restored, err = e.RestoreCatalogs(ctx)
	if err != nil {
		return summary, err
	}
	e.deps.Logger.InfoContext(ctx, "token rotated",
		slog.Int("secrets_refreshed", len(summary.Secrets.Refreshed)),
		slog.Int("catalogs_refreshed", len(summary.Catalogs.Refreshed)),
		slog.Int("catalogs_evicted", len(summary.Catalogs.Evicted)),
		slog.Int("catalogs_restored", len(summary.Restored.Attached)),
	)
	return summary, nil
}

// restore reloads persisted extensions and catalogs after initialization.
func (e *Engine) restore(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	names, err := e.deps.Store.ListExtensions(ctx)
	if err != nil {
		e.deps.Logger.WarnContext(ctx, "list persisted extensions failed", slog.Any("error", err))
	} else if len(names) > 0 {
		loaded := e.LoadExtensions(ctx, names)
		e.deps.Logger.InfoContext(ctx, "extensions restored", slog.Int("requested", len(names)), slog.Int("loaded", len(loaded)))
	}

	summary, err := e.RestoreCatalogs(ctx)
	if err != nil {
		e.deps.Logger.WarnContext(ctx, "restore catalogs failed", slog.Any("error", err))
		return
	}
	if len(summary.Attached) > 0 || len(summary.Failed) > 0 {
		e.deps.Logger.InfoContext(ctx, "catalogs restored",
			slog.Int("attached", len(summary.Attached)),
			slog.Int("failed", len(summary.Failed)),
		)
	}
}
