package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/driver_downloader/internal/downloader"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/italolelis/driver_downloader/internal/storage"
	"github.com/italolelis/driver_downloader/internal/transfer"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var (
		invalid  *transfer.InvalidTargetError
		conflict *transfer.ConflictError
		notFound *transfer.NotFoundError
	)

	switch {
	case errors.As(err, &invalid), errors.Is(err, storage.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// BasicAuth protects the API when a username is configured.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="driver_downloader"`)
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)

				return
			}

			if user != username || pass != password {
				http.Error(w, "invalid username or password", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
