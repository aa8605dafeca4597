// Package engine owns the embedded query engine instance together with its
// connection pool, token manager and catalog manager, and applies the query
// guardrails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loqe/loqe/internal/assets"
	"github.com/loqe/loqe/internal/catalog"
	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/pool"
	"github.com/loqe/loqe/internal/query"
	"github.com/loqe/loqe/internal/state"
	"github.com/loqe/loqe/internal/token"
)

var (
	ErrNotInitialized = errors.New("engine: not initialized")
	ErrDestroyed      = errors.New("engine: destroyed")
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateDestroyed     State = "destroyed"
)

type Config struct {
	// BaseURL is the asset prefix, resolved against Origin.
	BaseURL        string
	Origin         string
	DatabasePath   string
	MaxConnections int
	// CPUs overrides the host CPU count used for bundle selection.
	CPUs int
}

type SettingsProvider interface {
	Current() guardrail.Settings
}

type Dependencies struct {
	Driver   query.Driver
	Settings SettingsProvider
	Store    state.Store
	Memory   guardrail.MemoryProbe
	Logger   *slog.Logger
	Clock    func() time.Time
}

type Engine struct {
	cfg  Config
	deps Dependencies

	init singleflight.Group

	mu       sync.RWMutex
	state    State
	token    string
	bundle   query.Bundle
	db       query.Database
	pool     *pool.Pool
	tokens   *token.Manager
	catalogs *catalog.Manager

	extMu      sync.Mutex
	extensions map[string]struct{}
}

func New(cfg Config, deps Dependencies) *Engine {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = pool.DefaultMaxSize
	}
	if deps.Settings == nil {
		deps.Settings = guardrail.NewStore(guardrail.DefaultSettings(0))
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		state:      StateUninitialized,
		extensions: map[string]struct{}{},
	}
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Initialize starts the engine once. Concurrent callers share a single
// in-flight initialization; a failed initialization can be retried.
func (e *Engine) Initialize(ctx context.Context, initialToken string) error {
	e.mu.Lock()
	if initialToken != "" {
		e.token = initialToken
	}
	current := e.state
	e.mu.Unlock()

	switch current {
	case StateInitialized:
		return nil
	case StateDestroyed:
		return ErrDestroyed
	}

	_, err, _ := e.init.Do("initialize", func() (any, error) {
		return nil, e.initialize(context.WithoutCancel(ctx))
	})
	return err
}

func (e *Engine) initialize(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateInitialized:
		e.mu.Unlock()
		return nil
	case StateDestroyed:
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.state = StateInitializing
	bearer := e.token
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		if e.state == StateInitializing {
			e.state = StateUninitialized
		}
		e.mu.Unlock()
		e.deps.Logger.ErrorContext(ctx, "engine initialization failed", slog.Any("error", err))
		return err
	}

	if e.deps.Driver == nil {
		return fail(fmt.Errorf("engine driver is required"))
	}
	baseURL, err := assets.ResolveBaseURL(e.cfg.BaseURL, e.cfg.Origin)
	if err != nil {
		return fail(fmt.Errorf("resolve engine assets: %w", err))
	}
	bundle := assets.SelectBundle(baseURL, e.cfg.CPUs)

	db, err := e.deps.Driver.Open(ctx, query.OpenOptions{Bundle: bundle, Path: e.cfg.DatabasePath})
	if err != nil {
		return fail(fmt.Errorf("open engine database: %w", err))
	}

	connections := pool.New(db.Connect, e.cfg.MaxConnections, e.deps.Logger)
	tokens := token.NewManager(e.deps.Logger)
	tokens.Initialize(connections, bearer)
	catalogs := catalog.NewManager(connections, tokens, e.deps.Logger)
	catalogs.Clock = e.deps.Clock

	e.mu.Lock()
	if e.state != StateInitializing {
		e.mu.Unlock()
		connections.Drain()
		_ = db.Close()
		return ErrDestroyed
	}
	e.bundle = bundle
	e.db = db
	e.pool = connections
	e.tokens = tokens
	e.catalogs = catalogs
	e.state = StateInitialized
	e.mu.Unlock()

	e.deps.Logger.InfoContext(ctx, "engine initialized",
		slog.String("bundle", bundle.Name),
		slog.Int("threads", bundle.Threads),
		slog.Int("max_connections", e.cfg.MaxConnections),
	)
	e.restore(ctx)
	return nil
}

// ensureInitialized lazily initializes the engine with the last known token.
func (e *Engine) ensureInitialized(ctx context.Context) error {
	switch e.State() {
	case StateInitialized:
		return nil
	case StateDestroyed:
		return ErrDestroyed
	}
	return e.Initialize(ctx, "")
}

type components struct {
	pool     *pool.Pool
	tokens   *token.Manager
	catalogs *catalog.Manager
}

func (e *Engine) components() (components, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case StateInitialized:
		return components{pool: e.pool, tokens: e.tokens, catalogs: e.catalogs}, nil
	case StateDestroyed:
		return components{}, ErrDestroyed
	default:
		return components{}, ErrNotInitialized
	}
}

// destroy tears down every component and the engine instance. Cleanup
// errors are logged and dropped.
func (e *Engine) destroy() {
	e.mu.Lock()
	if e.state == StateDestroyed {
		e.mu.Unlock()
		return
	}
	e.state = StateDestroyed
	connections, tokens, catalogs, db := e.pool, e.tokens, e.catalogs, e.db
	e.pool, e.tokens, e.catalogs, e.db = nil, nil, nil, nil
	e.mu.Unlock()

	if tokens != nil {
		tokens.Dispose()
	}
	if catalogs != nil {
		catalogs.Dispose()
	}
	if connections != nil {
		connections.Drain()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			e.deps.Logger.Warn("close engine database failed", slog.Any("error", err))
		}
	}
	e.extMu.Lock()
	e.extensions = map[string]struct{}{}
	e.extMu.Unlock()
	e.deps.Logger.Info("engine destroyed")
}

type Status struct {
	State      State        `json:"state"`
	Bundle     query.Bundle `json:"bundle"`
	Pool       *pool.Stats  `json:"pool,omitempty"`
	Catalogs   []string     `json:"catalogs"`
	Extensions []string     `json:"extensions"`
	HasToken   bool         `json:"has_token"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	status := Status{State: e.state, Bundle: e.bundle, Catalogs: []string{}, HasToken: e.token != ""}
	connections, catalogs := e.pool, e.catalogs
	e.mu.RUnlock()

	if connections != nil {
		stats := connections.Stats()
		status.Pool = &stats
	}
	if catalogs != nil {
		for _, attached := range catalogs.List() {
			status.Catalogs = append(status.Catalogs, attached.Name)
		}
	}
	status.Extensions = e.installedSet()
	return status
}

// PoolStats is false when the engine holds no pool.
func (e *Engine) PoolStats() (pool.Stats, bool) {
	c, err := e.components()
	if err != nil {
		return pool.Stats{}, false
	}
	return c.pool.Stats(), true
}

// ReapIdle closes pooled connections idle for at least maxIdle.
func (e *Engine) ReapIdle(maxIdle time.Duration) int {
	c, err := e.components()
	if err != nil {
		return 0
	}
	return c.pool.ReapIdle(maxIdle)
}

func (e *Engine) installedSet() []string {
	e.extMu.Lock()
	defer e.extMu.Unlock()
	out := make([]string, 0, len(e.extensions))
	for name := range e.extensions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
