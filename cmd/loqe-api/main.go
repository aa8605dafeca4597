package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqe/loqe/internal/api"
	"github.com/loqe/loqe/internal/auth"
	"github.com/loqe/loqe/internal/config"
	"github.com/loqe/loqe/internal/engine"
	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/maintenance"
	"github.com/loqe/loqe/internal/observability"
	duckdbengine "github.com/loqe/loqe/internal/query/duckdb"
	"github.com/loqe/loqe/internal/state"
	"github.com/loqe/loqe/internal/state/objectstore"
	statepostgres "github.com/loqe/loqe/internal/state/postgres"
	s3store "github.com/loqe/loqe/internal/storage/s3"
	"github.com/loqe/loqe/internal/token"
)

func main() {
	cfg, err := config.LoadFromEnv("loqe-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStateStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open state store", slog.String("backend", cfg.State.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	probe := guardrail.ProcessProbe{}
	hostMB := probe.HostMemoryMB()
	settings := guardrail.NewStore(cfg.Guardrails.Settings(hostMB))
	logger.Info("guardrails configured", slog.Int64("host_memory_mb", hostMB), slog.Any("settings", settings.Current()))

	registry := engine.NewRegistry(engine.Dependencies{
		Driver:   duckdbengine.NewDriver(),
		Settings: settings,
		Store:    store,
		Memory:   probe,
		Logger:   logger,
	})
	baseline := engine.NewBaseline(registry, engine.Config{
		BaseURL:        cfg.Engine.BaseURL,
		Origin:         cfg.Engine.Origin,
		DatabasePath:   cfg.Engine.DatabasePath,
		MaxConnections: cfg.Engine.MaxConnections,
	})
	defer baseline.Close()

	watcher := &token.Watcher{
		Source:   tokenSource(cfg.Token),
		Interval: cfg.Token.PollInterval,
		Logger:   logger,
		OnChange: func(ctx context.Context, next string) error {
			summary, err := baseline.RotateToken(ctx, next)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "bearer token applied", slog.Any("summary", summary))
			return nil
		},
	}
	initial, err := watcher.Source.Token(ctx)
	if err != nil {
		logger.Warn("initial token read failed", slog.Any("error", err))
	}
	if err := baseline.Start(ctx, initial); err != nil {
		logger.Error("failed to initialize engine", slog.Any("error", err))
		os.Exit(1)
	}
	watcher.Seed(initial)
	go func() { _ = watcher.Run(ctx) }()

	maintenanceService := &maintenance.Service{
		Engines:  registry,
		Settings: settings,
		Config: maintenance.Config{
			Interval:    cfg.Engine.MaintenanceInterval,
			IdleTimeout: cfg.Engine.IdleTimeout,
		},
		Logger: logger,
	}
	go func() { _ = maintenanceService.Run(ctx) }()

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CheckStateStore(store),
		DependencyTimeout: time.Second,
		Engines:           baseline,
		Settings:          settings,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
}

func openStateStore(ctx context.Context, cfg config.Config) (state.Store, func(), error) {
	switch cfg.State.Backend {
	case config.StateBackendPostgres:
		db, err := statepostgres.Open(ctx, statepostgres.DBConfig{
			DSN:             cfg.State.DSN,
			MaxOpenConns:    cfg.State.MaxOpenConns,
			MaxIdleConns:    cfg.State.MaxIdleConns,
			ConnMaxIdleTime: cfg.State.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.State.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return statepostgres.NewStore(db), func() { _ = db.Close() }, nil
	case config.StateBackendObjectStore:
		objects, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := objectstore.New(objects, cfg.State.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return state.NewMemoryStore(), func() {}, nil
	}
}

func tokenSource(cfg config.TokenConfig) token.Source {
	if cfg.File != "" {
		return token.FileSource{Path: cfg.File}
	}
	return token.StaticSource(cfg.Token)
}
