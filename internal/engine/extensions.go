package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqe/loqe/internal/ddl"
	"github.com/loqe/loqe/internal/query"
)

type ExtensionInfo struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Loaded    bool   `json:"loaded"`
}

// InstallExtension installs and loads name and remembers it for restore.
func (e *Engine) InstallExtension(ctx context.Context, name string) error {
	if err := ddl.ValidateExtensionName(name); err != nil {
		return err
	}
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	if err := e.installExtension(ctx, name); err != nil {
		return err
	}
	if e.deps.Store != nil {
		if err := e.deps.Store.AddExtension(ctx, name); err != nil {
			e.deps.Logger.WarnContext(ctx, "persist extension failed", slog.String("extension", name), slog.Any("error", err))
		}
	}
	return nil
}

func (e *Engine) installExtension(ctx context.Context, name string) error {
	c, err := e.components()
	if err != nil {
		return err
	}
	install, err := ddl.InstallExtension(name)
	if err != nil {
		return err
	}
	load, err := ddl.LoadExtension(name)
	if err != nil {
		return err
	}
	repository := ddl.SetExtensionRepository(e.deps.Settings.Current().ExtensionRepository)

	err = c.pool.With(ctx, func(conn query.Conn) error {
		if err := query.Exec(ctx, conn, "set extension repository", repository); err != nil {
			return err
		}
		if err := query.Exec(ctx, conn, "install extension", install); err != nil {
			return err
		}
		return query.Exec(ctx, conn, "load extension", load)
	})
	if err != nil {
		return fmt.Errorf("install extension %s: %w", name, err)
	}

	e.extMu.Lock()
	e.extensions[name] = struct{}{}
	e.extMu.Unlock()
	e.deps.Logger.InfoContext(ctx, "extension installed", slog.String("extension", name))
	return nil
}

// RemoveExtension forgets name so it is not installed again on restore.
// The engine cannot unload an extension that is already loaded.
func (e *Engine) RemoveExtension(ctx context.Context, name string) error {
	e.extMu.Lock()
	delete(e.extensions, name)
	e.extMu.Unlock()
	if e.deps.Store != nil {
		if err := e.deps.Store.RemoveExtension(ctx, name); err != nil {
			return fmt.Errorf("remove persisted extension: %w", err)
		}
	}
	return nil
}

// LoadExtensions installs every name, skipping the ones that fail. It
// returns the names that loaded.
func (e *Engine) LoadExtensions(ctx context.Context, names []string) []string {
	loaded := make([]string, 0, len(names))
	for _, name := range names {
		if err := ddl.ValidateExtensionName(name); err != nil {
			e.deps.Logger.WarnContext(ctx, "skipping extension", slog.String("extension", name), slog.Any("error", err))
			continue
		}
		if err := e.installExtension(ctx, name); err != nil {
			e.deps.Logger.WarnContext(ctx, "extension load failed", slog.String("extension", name), slog.Any("error", err))
			continue
		}
		loaded = append(loaded, name)
	}
	return loaded
}

// InstalledExtensions reads the engine's own extension catalog.
func (e *Engine) InstalledExtensions(ctx context.Context) ([]ExtensionInfo, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	var out []ExtensionInfo
	err = c.pool.With(ctx, func(conn query.Conn) error {
		table, err := query.Run(ctx, conn, "list extensions", ddl.ListExtensions)
		if err != nil {
			return err
		}
		out = make([]ExtensionInfo, 0, table.NumRows())
		for i := 0; i < table.NumRows(); i++ {
			row := table.Row(i)
			if len(row) < 3 {
				continue
			}
			out = append(out, ExtensionInfo{
				Name:      row[0].Text(),
				Installed: row[1].Truthy(),
				Loaded:    row[2].Truthy(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) hasExtension(name string) bool {
	e.extMu.Lock()
	defer e.extMu.Unlock()
	_, ok := e.extensions[name]
	return ok
}

// ensureBaseline installs the extensions every catalog attach relies on.
func (e *Engine) ensureBaseline(ctx context.Context) error {
	for _, name := range []string{ddl.ExtensionHTTPFS, ddl.ExtensionIceberg} {
		if e.hasExtension(name) {
			continue
		}
		if err := e.installExtension(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
