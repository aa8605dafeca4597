package api

import (
	"net/http"
	"strings"

	"github.com/loqe/loqe/internal/catalog"
	"github.com/loqe/loqe/internal/ddl"
)

type attachCatalogRequest struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	ProjectID string `json:"project_id"`
	// Token overrides the current bearer token for this catalog's secret.
	Token string `json:"token"`
}

func (s *server) handleListCatalogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"catalogs": s.deps.Engines.Engine().Catalogs()})
}

func (s *server) handleAttachCatalog(w http.ResponseWriter, r *http.Request) {
	var request attachCatalogRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	request.Name = strings.TrimSpace(request.Name)
	request.URI = strings.TrimSpace(request.URI)
	if request.Name == "" || request.URI == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CATALOG_INVALID", "name and uri are required", false, nil)
		return
	}

	cfg := catalog.Config{Name: request.Name, URI: request.URI, ProjectID: request.ProjectID, Token: request.Token}
	if err := s.deps.Engines.Engine().AttachCatalog(r.Context(), cfg); err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"catalog": cfg})
}

func (s *server) handleDetachCatalog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Engines.Engine().DetachCatalog(r.Context(), name); err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type installExtensionRequest struct {
	Name string `json:"name"`
}

func (s *server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	extensions, err := s.deps.Engines.Engine().InstalledExtensions(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": extensions})
}

func (s *server) handleInstallExtension(w http.ResponseWriter, r *http.Request) {
	var request installExtensionRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if err := ddl.ValidateExtensionName(request.Name); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "EXTENSION_INVALID", err.Error(), false, nil)
		return
	}
	if err := s.deps.Engines.Engine().InstallExtension(r.Context(), request.Name); err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"extension": request.Name})
}

func (s *server) handleRemoveExtension(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engines.Engine().RemoveExtension(r.Context(), r.PathValue("name")); err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
