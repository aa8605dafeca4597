package api

import (
	"net/http"

	"github.com/loqe/loqe/internal/ddl"
)

func (s *server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.deps.Engines.Engine().ListTables(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *server) handleListColumns(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if _, err := ddl.ParseTableRef(table); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TABLE", err.Error(), false, map[string]any{"table": table})
		return
	}

	columns, err := s.deps.Engines.Engine().ListColumns(r.Context(), table)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": table, "columns": columns})
}
