package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqe/loqe/internal/ddl"
	"github.com/loqe/loqe/internal/observability"
	"github.com/loqe/loqe/internal/query"
)

type Leaser interface {
	With(ctx context.Context, fn func(query.Conn) error) error
}

// SecretRegistry is the token manager surface the catalog manager depends on.
type SecretRegistry interface {
	RegisterSecret(name, catalogName, secretType string)
	UnregisterSecret(name string)
	CurrentToken() string
}

type Manager struct {
	Logger *slog.Logger
	Clock  func() time.Time

	leaser  Leaser
	secrets SecretRegistry
	names   keyedMutex

	mu       sync.RWMutex
	catalogs map[string]Attached
}

func NewManager(leaser Leaser, secrets SecretRegistry, logger *slog.Logger) *Manager {
	return &Manager{
		Logger:   logger,
		leaser:   leaser,
		secrets:  secrets,
		catalogs: map[string]Attached{},
	}
}

// Attach creates the catalog's secret and attaches it. Attaching a name that
// is already tracked does nothing.
func (m *Manager) Attach(ctx context.Context, cfg Config) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.URI = strings.TrimSpace(cfg.URI)
	if cfg.Name == "" {
		return &Error{Catalog: cfg.Name, Op: OpAttach, Err: fmt.Errorf("catalog name is required")}
	}
	if cfg.URI == "" {
		return &Error{Catalog: cfg.Name, Op: OpAttach, Err: fmt.Errorf("catalog uri is required")}
	}

	unlock := m.names.Lock(cfg.Name)
	defer unlock()

	if m.IsAttached(cfg.Name) {
		return nil
	}

	secret := ddl.SecretName(cfg.Name)
	if owner, taken := m.secretOwner(secret); taken {
		return &Error{Catalog: cfg.Name, Op: OpAttach, Err: fmt.Errorf("secret %s already belongs to catalog %s", secret, owner)}
	}
	bearer := cfg.Token
	if bearer == "" {
		bearer = m.secrets.CurrentToken()
	}
	err := m.leaser.With(ctx, func(conn query.Conn) error {
		return m.bind(ctx, conn, cfg, secret, bearer)
	})
	if err != nil {
		return &Error{Catalog: cfg.Name, Op: OpAttach, Err: err}
	}

	m.secrets.RegisterSecret(secret, cfg.Name, ddl.SecretTypeIceberg)
	m.mu.Lock()
	m.catalogs[cfg.Name] = Attached{
		Name:       cfg.Name,
		URI:        cfg.URI,
		ProjectID:  projectOrDefault(cfg.ProjectID),
		Secret:     secret,
		AttachedAt: m.now(),
	}
	m.mu.Unlock()
	m.logger().InfoContext(ctx, "catalog attached", slog.String("catalog", cfg.Name), slog.String("uri", cfg.URI))
	return nil
}

// bind creates the secret and attaches the catalog on conn. A failed attach
// drops the freshly created secret.
func (m *Manager) bind(ctx context.Context, conn query.Conn, cfg Config, secret, bearer string) error {
	createSecret, err := ddl.CreateSecret(secret, ddl.SecretTypeIceberg, bearer)
	if err != nil {
		return err
	}
	attach, err := ddl.AttachCatalog(ddl.AttachOptions{
		Catalog:   cfg.Name,
		ProjectID: cfg.ProjectID,
		Endpoint:  cfg.URI,
		Secret:    secret,
	})
	if err != nil {
		return err
	}
	if err := query.Exec(ctx, conn, "create secret", createSecret); err != nil {
		return err
	}
	if err := query.Exec(ctx, conn, "attach catalog", attach); err != nil {
		m.dropSecret(ctx, conn, secret)
		return err
	}
	return nil
}

func (m *Manager) dropSecret(ctx context.Context, conn query.Conn, secret string) {
	statement, err := ddl.DropSecret(secret)
	if err == nil {
		err = query.Exec(ctx, conn, "drop secret", statement)
	}
	if err != nil {
		m.logger().WarnContext(ctx, "drop secret failed", slog.String("secret", secret), slog.Any("error", err))
	}
}

// Detach detaches the catalog and drops its secret. Unknown names are ignored.
func (m *Manager) Detach(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	unlock := m.names.Lock(name)
	defer unlock()

	m.mu.RLock()
	attached, ok := m.catalogs[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	err := m.leaser.With(ctx, func(conn query.Conn) error {
		detach, err := ddl.DetachCatalog(name)
		if err != nil {
			return err
		}
		if err := query.Exec(ctx, conn, "detach catalog", detach); err != nil {
			return err
		}
		m.dropSecret(ctx, conn, attached.Secret)
		m.forget(attached)
		return nil
	})
	if err != nil {
		return &Error{Catalog: name, Op: OpDetach, Err: err}
	}
	m.logger().InfoContext(ctx, "catalog detached", slog.String("catalog", name))
	return nil
}

// RefreshAll re-binds every tracked catalog to newToken. A catalog that
// fails is evicted so a later restore can attach it again from scratch.
func (m *Manager) RefreshAll(ctx context.Context, newToken string) RefreshSummary {
	summary := RefreshSummary{Refreshed: []string{}}
	for _, entry := range m.List() {
		if err := m.refresh(ctx, entry.Name, newToken); err != nil {
			summary.Evicted = append(summary.Evicted, entry.Name)
			observability.IncrementCatalogEviction()
			m.logger().WarnContext(ctx, "catalog evicted after refresh failure",
				slog.String("catalog", entry.Name),
				slog.Any("error", err),
			)
			continue
		}
		summary.Refreshed = append(summary.Refreshed, entry.Name)
	}
	return summary
}

func (m *Manager) refresh(ctx context.Context, name, newToken string) error {
	unlock := m.names.Lock(name)
	defer unlock()

	m.mu.RLock()
	attached, ok := m.catalogs[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	err := m.leaser.With(ctx, func(conn query.Conn) error {
		detach, err := ddl.DetachCatalog(name)
		if err != nil {
			return err
		}
		if err := query.Exec(ctx, conn, "detach catalog", detach); err != nil {
			return err
		}
		return m.bind(ctx, conn, attached.Config(), attached.Secret, newToken)
	})
	if err != nil {
		m.forget(attached)
		return &Error{Catalog: name, Op: OpRefresh, Err: err}
	}

	m.mu.Lock()
	attached.AttachedAt = m.now()
	m.catalogs[name] = attached
	m.mu.Unlock()
	return nil
}

func (m *Manager) forget(attached Attached) {
	m.secrets.UnregisterSecret(attached.Secret)
	m.mu.Lock()
	delete(m.catalogs, attached.Name)
	m.mu.Unlock()
}

// List returns the attached catalogs ordered by name.
func (m *Manager) List() []Attached {
	m.mu.RLock()
	out := make([]Attached, 0, len(m.catalogs))
	for _, attached := range m.catalogs {
		out = append(out, attached)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) IsAttached(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.catalogs[name]
	return ok
}

// Dispose forgets every catalog without touching the engine.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.catalogs = map[string]Attached{}
	m.mu.Unlock()
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func projectOrDefault(projectID string) string {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "default"
	}
	return projectID
}

func (m *Manager) secretOwner(secret string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, attached := range m.catalogs {
		if attached.Secret == secret {
			return name, true
		}
	}
	return "", false
}
