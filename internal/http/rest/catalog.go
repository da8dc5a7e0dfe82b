package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/telemetry"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

const maxImportSize = 1 << 20

// CatalogHandler manages the list of named downloads.
type CatalogHandler struct {
	repo      storage.CatalogRepository
	telemetry *telemetry.Telemetry
}

func NewCatalogHandler(repo storage.CatalogRepository, tel *telemetry.Telemetry) *CatalogHandler {
	return &CatalogHandler{repo: repo, telemetry: tel}
}

func (h *CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.list)
	r.Post("/", h.add)
	r.Get("/export", h.export)
	r.Post("/import", h.importEntries)
	// names may contain slashes
	r.Delete("/*", h.remove)

	return r
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	entries, err := h.repo.ListCatalog(r.Context(), storage.CatalogFilter{
		Group: q.Get("group"),
		Query: q.Get("q"),
	})
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to list catalog: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, entries)
}

func (h *CatalogHandler) add(w http.ResponseWriter, r *http.Request) {
	var entry storage.CatalogEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, r, &transfer.InvalidTargetError{Field: "body", Reason: err.Error()})

		return
	}

	entry = entry.Normalize()

	if err := entry.Validate(); err != nil {
		h.record("add", err)
		writeError(w, r, &transfer.InvalidTargetError{Field: "entry", Reason: err.Error()})

		return
	}

	err := h.repo.AddCatalogEntry(r.Context(), entry)
	h.record("add", err)

	if err != nil {
		writeError(w, r, fmt.Errorf("failed to add catalog entry %q: %w", entry.Name, err))

		return
	}

	logctx.LoggerFromContext(r.Context()).Info("catalog entry added", "name", entry.Name, "group", entry.Group)

	writeJSON(w, r, http.StatusCreated, entry)
}

func (h *CatalogHandler) remove(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, r, &transfer.InvalidTargetError{Field: "name", Reason: "is required"})

		return
	}

	err = h.repo.DeleteCatalogEntry(r.Context(), name)
	h.record("remove", err)

	if err != nil {
		writeError(w, r, fmt.Errorf("failed to remove catalog entry %q: %w", name, err))

		return
	}

	logctx.LoggerFromContext(r.Context()).Info("catalog entry removed", "name", name)

	w.WriteHeader(http.StatusNoContent)
}

func (h *CatalogHandler) export(w http.ResponseWriter, r *http.Request) {
	format, err := storage.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	entries, err := h.repo.ListCatalog(r.Context(), storage.CatalogFilter{})
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to list catalog: %w", err))

		return
	}

	contentType, ext := "application/json", "json"
	if format == storage.FormatYAML {
		contentType, ext = "application/yaml", "yaml"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="catalog.%s"`, ext))

	err = storage.EncodeCatalog(w, format, entries)
	h.record("export", err)

	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to export catalog", "err", err)
	}
}

type importResponse struct {
	Imported int `json:"imported"`
}

func (h *CatalogHandler) importEntries(w http.ResponseWriter, r *http.Request) {
	format, err := storage.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	entries, err := storage.DecodeCatalog(http.MaxBytesReader(w, r.Body, maxImportSize), format)
	if err != nil {
		h.record("import", err)

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})

			return
		}

		writeError(w, r, &transfer.InvalidTargetError{Field: "catalog", Reason: err.Error()})

		return
	}

	err = h.repo.SaveCatalogEntries(r.Context(), entries)
	h.record("import", err)

	if err != nil {
		writeError(w, r, fmt.Errorf("failed to import catalog: %w", err))

		return
	}

	logctx.LoggerFromContext(r.Context()).Info("catalog imported", "entries", len(entries), "format", format)

	writeJSON(w, r, http.StatusOK, importResponse{Imported: len(entries)})
}

func (h *CatalogHandler) record(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	h.telemetry.RecordCatalogOperation(operation, status)
}
