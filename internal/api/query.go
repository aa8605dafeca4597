package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/loqe/loqe/internal/query"
)

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	query.Result
	DurationMs int64 `json:"duration_ms"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var request queryRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	result, err := s.deps.Engines.Engine().Query(r.Context(), request.SQL)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Result: result, DurationMs: result.ExecutionTime.Milliseconds()})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	entries, err := s.deps.Engines.Engine().History(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STATE_ERROR", "failed to load query history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
