package api

import (
	"net/http"
	"strings"
)

type rotateTokenRequest struct {
	Token string `json:"token"`
}

func (s *server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	var request rotateTokenRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	request.Token = strings.TrimSpace(request.Token)
	if request.Token == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TOKEN_REQUIRED", "token is required", false, nil)
		return
	}

	summary, err := s.deps.Engines.RotateToken(r.Context(), request.Token)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotation": summary})
}

func (s *server) handleFreeMemory(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engines.Engine().FreeMemory(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engines.Reset(r.Context()); err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": s.deps.Engines.Engine().Status()})
}

func (s *server) handlePool(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.deps.Engines.Engine().PoolStats()
	if !ok {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "ENGINE_NOT_READY", "engine holds no connection pool", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SETTINGS_NOT_CONFIGURED", "settings store is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Current())
}

// handlePutSettings applies the body over the current settings, so omitted
// fields keep their values.
func (s *server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SETTINGS_NOT_CONFIGURED", "settings store is not configured", false, nil)
		return
	}
	settings := s.deps.Settings.Current()
	if !decodeJSON(w, r, &settings) {
		return
	}
	if err := s.deps.Settings.Update(settings); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SETTINGS", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Current())
}
