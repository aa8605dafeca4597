// Package token tracks the bearer token shared by every engine secret and
// rebinds those secrets when the token changes.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loqe/loqe/internal/ddl"
	"github.com/loqe/loqe/internal/observability"
	"github.com/loqe/loqe/internal/query"
)

var ErrNotInitialized = errors.New("token: manager not initialized")

// Leaser runs fn on a leased engine connection and releases it afterwards.
type Leaser interface {
	With(ctx context.Context, fn func(query.Conn) error) error
}

type Secret struct {
	Name    string `json:"name"`
	Catalog string `json:"catalog"`
	Type    string `json:"type"`
}

type RefreshSummary struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed,omitempty"`
}

type Manager struct {
	Logger *slog.Logger

	mu      sync.RWMutex
	leaser  Leaser
	current string
	secrets map[string]Secret
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{Logger: logger, secrets: map[string]Secret{}}
}

func (m *Manager) Initialize(leaser Leaser, initialToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaser = leaser
	m.current = initialToken
	if m.secrets == nil {
		m.secrets = map[string]Secret{}
	}
	observeExpiry(initialToken)
}

// RegisterSecret tracks a secret so it is rebound on the next refresh.
// An empty secretType defaults to iceberg.
func (m *Manager) RegisterSecret(name, catalogName, secretType string) {
	if secretType == "" {
		secretType = ddl.SecretTypeIceberg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets == nil {
		m.secrets = map[string]Secret{}
	}
	m.secrets[name] = Secret{Name: name, Catalog: catalogName, Type: secretType}
}

func (m *Manager) UnregisterSecret(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, name)
}

func (m *Manager) CurrentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Secrets returns the registered secrets ordered by name.
func (m *Manager) Secrets() []Secret {
	m.mu.RLock()
	out := make([]Secret, 0, len(m.secrets))
	for _, secret := range m.secrets {
		out = append(out, secret)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RefreshAllSecrets stores newToken and re-creates every registered secret
// against it. A failing secret is logged and reported in the summary; the
// remaining secrets are still refreshed.
func (m *Manager) RefreshAllSecrets(ctx context.Context, newToken string) (RefreshSummary, error) {
	m.mu.Lock()
	m.current = newToken
	leaser := m.leaser
	m.mu.Unlock()
	observeExpiry(newToken)

	secrets := m.Secrets()
	summary := RefreshSummary{Refreshed: make([]string, 0, len(secrets))}
	if len(secrets) == 0 {
		return summary, nil
	}
	if leaser == nil {
		return summary, ErrNotInitialized
	}

	err := leaser.With(ctx, func(conn query.Conn) error {
		for _, secret := range secrets {
			statement, err := ddl.CreateSecret(secret.Name, secret.Type, newToken)
			if err == nil {
				err = query.Exec(ctx, conn, "refresh secret", statement)
			}
			if err != nil {
				summary.Failed = append(summary.Failed, secret.Name)
				observability.IncrementSecretRefreshFailure()
				m.logger().WarnContext(ctx, "secret refresh failed",
					slog.String("secret", secret.Name),
					slog.String("catalog", secret.Catalog),
					slog.Any("error", err),
				)
				continue
			}
			summary.Refreshed = append(summary.Refreshed, secret.Name)
		}
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("refresh secrets: %w", err)
	}
	return summary, nil
}

// Expiry reports the exp claim of the current token when it is a JWT.
// The signature is not verified.
func (m *Manager) Expiry() (time.Time, bool) {
	return Expiry(m.CurrentToken())
}

func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaser = nil
	m.current = ""
	m.secrets = map[string]Secret{}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func Expiry(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func observeExpiry(raw string) {
	if exp, ok := Expiry(raw); ok {
		observability.SetTokenExpiry(time.Until(exp))
	}
}
