// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loqe/loqe/internal/auth"
	"github.com/loqe/loqe/internal/config"
	"github.com/loqe/loqe/internal/engine"
	"github.com/loqe/loqe/internal/guardrail"
	"github.com/loqe/loqe/internal/observability"
	"github.com/loqe/loqe/internal/state"
)

// maxBodyBytes bounds JSON request bodies; SQL text is the largest payload.
const maxBodyBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

// Engines is the API's view of the process-wide engine.
type Engines interface {
	Engine() *engine.Engine
	RotateToken(ctx context.Context, token string) (engine.RotationSummary, error)
	Reset(ctx context.Context) error
}

type SettingsStore interface {
	Current() guardrail.Settings
	Update(s guardrail.Settings) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Engines           Engines
	Settings          SettingsStore
}

type server struct {
	deps Dependencies
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	s := &server{deps: deps}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /v1/ready", s.handleReady)
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protect := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
	switch {
	case !cfg.Auth.Required:
		protect = func(next http.Handler) http.Handler { return next }
	case deps.AuthMiddleware != nil:
		protect = deps.AuthMiddleware
	default:
		deps.Logger.Error("auth required but auth middleware missing")
	}
	route := func(pattern, role string, handler http.HandlerFunc) {
		var h http.Handler = handler
		if s.deps.Engines == nil {
			h = http.HandlerFunc(notConfigured)
		}
		mux.Handle(pattern, protect(auth.RequireRole(role, h)))
	}

	route("POST /v1/query", auth.RoleReader, s.handleQuery)
	route("GET /v1/history", auth.RoleReader, s.handleHistory)
	route("GET /v1/tables", auth.RoleReader, s.handleListTables)
	route("GET /v1/tables/{table}/columns", auth.RoleReader, s.handleListColumns)
	route("GET /v1/catalogs", auth.RoleReader, s.handleListCatalogs)
	route("POST /v1/catalogs", auth.RoleAdmin, s.handleAttachCatalog)
	route("DELETE /v1/catalogs/{name}", auth.RoleAdmin, s.handleDetachCatalog)
	route("GET /v1/extensions", auth.RoleReader, s.handleListExtensions)
	route("POST /v1/extensions", auth.RoleAdmin, s.handleInstallExtension)
	route("DELETE /v1/extensions/{name}", auth.RoleAdmin, s.handleRemoveExtension)
	route("POST /v1/token", auth.RoleAdmin, s.handleRotateToken)
	route("POST /v1/memory/free", auth.RoleAdmin, s.handleFreeMemory)
	route("POST /v1/reset", auth.RoleAdmin, s.handleReset)
	route("GET /v1/pool", auth.RoleReader, s.handlePool)
	mux.Handle("GET /v1/settings", protect(auth.RequireRole(auth.RoleReader, http.HandlerFunc(s.handleGetSettings))))
	mux.Handle("PUT /v1/settings", protect(auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(s.handlePutSettings))))

	return observability.Instrument(deps.Logger, mux)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness != nil {
		timeout := s.deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := s.deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
	}
	if s.deps.Engines == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	status := s.deps.Engines.Engine().Status()
	if status.State != engine.StateInitialized {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "ENGINE_NOT_READY", "engine is "+string(status.State), true, map[string]any{"engine": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "engine": status})
}

func notConfigured(w http.ResponseWriter, r *http.Request) {
	writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "engine is not configured", false, nil)
}

// CheckStateStore reports the persistence backend's health.
func CheckStateStore(store state.Store) ReadinessCheck {
	return func(ctx context.Context) error {
		return store.HealthCheck(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
