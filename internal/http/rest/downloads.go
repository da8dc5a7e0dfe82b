package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

const defaultHistoryLimit = 50

// SessionController is the part of the download controller the API drives.
type SessionController interface {
	Start(ctx context.Context, target transfer.Target, priority transfer.Priority) (transfer.SessionID, error)
	Pause(id transfer.SessionID) error
	Resume(id transfer.SessionID) error
	Cancel(id transfer.SessionID) error
	Session(id transfer.SessionID) (downloader.Snapshot, error)
	Sessions() []downloader.Snapshot
}

// DownloadsHandler starts and steers download sessions.
type DownloadsHandler struct {
	controller SessionController
	catalog    storage.CatalogRepository
	history    storage.DownloadReadRepository
	targetDir  string
}

func NewDownloadsHandler(
	controller SessionController,
	catalog storage.CatalogRepository,
	history storage.DownloadReadRepository,
	targetDir string,
) *DownloadsHandler {
	return &DownloadsHandler{
		controller: controller,
		catalog:    catalog,
		history:    history,
		targetDir:  targetDir,
	}
}

func (h *DownloadsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.start)
	r.Get("/", h.list)
	r.Get("/history", h.listHistory)
	r.Get("/{id}", h.get)
	r.Post("/{id}/pause", h.control(h.controller.Pause))
	r.Post("/{id}/resume", h.control(h.controller.Resume))
	r.Delete("/{id}", h.control(h.controller.Cancel))

	return r
}

type startRequest struct {
	// Name selects a catalog entry. URL and Checksum override the entry's values.
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Destination string            `json:"destination"`
	Checksum    string            `json:"checksum"`
	Priority    transfer.Priority `json:"priority"`
}

type startResponse struct {
	ID transfer.SessionID `json:"id"`
}

func (h *DownloadsHandler) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &transfer.InvalidTargetError{Field: "body", Reason: err.Error()})

		return
	}

	target, err := h.resolveTarget(ctx, req)
	if err != nil {
		writeError(w, r, err)

		return
	}

	id, err := h.controller.Start(ctx, target, req.Priority)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, startResponse{ID: id})
}

func (h *DownloadsHandler) resolveTarget(ctx context.Context, req startRequest) (transfer.Target, error) {
	target := transfer.Target{
		URL:            strings.TrimSpace(req.URL),
		Destination:    strings.TrimSpace(req.Destination),
		ExpectedDigest: strings.TrimSpace(req.Checksum),
	}

	if name := strings.TrimSpace(req.Name); name != "" {
		entry, err := h.catalog.GetCatalogEntry(ctx, name)
		if err != nil {
			return target, fmt.Errorf("failed to look up catalog entry %q: %w", name, err)
		}

		target.Name = entry.Name

		if target.URL == "" {
			target.URL = entry.URL
		}

		if target.ExpectedDigest == "" {
			target.ExpectedDigest = entry.Checksum
		}
	}

	if target.URL == "" {
		return target, &transfer.InvalidTargetError{Field: "url", Reason: "either url or a catalog name is required"}
	}

	if target.Destination == "" {
		dest, err := downloader.DefaultDestination(h.targetDir, target.URL)
		if err != nil {
			return target, err
		}

		target.Destination = dest
	}

	return target, nil
}

func (h *DownloadsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.controller.Sessions())
}

func (h *DownloadsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := transfer.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, &transfer.InvalidTargetError{Field: "id", Reason: err.Error()})

		return
	}

	snap, err := h.controller.Session(id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, snap)
}

func (h *DownloadsHandler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, r, &transfer.InvalidTargetError{Field: "limit", Reason: "must be a positive integer"})

			return
		}

		limit = v
	}

	records, err := h.history.GetDownloads(r.Context(), limit)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to get download history: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *DownloadsHandler) control(fn func(transfer.SessionID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := transfer.ParseSessionID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, &transfer.InvalidTargetError{Field: "id", Reason: err.Error()})

			return
		}

		if err := fn(id); err != nil {
			writeError(w, r, err)

			return
		}

		logctx.LoggerFromContext(r.Context()).Debug("session control applied",
			"session_id", id, "method", r.Method, "path", r.URL.Path)

		w.WriteHeader(http.StatusNoContent)
	}
}
