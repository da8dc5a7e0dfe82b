package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/driver_downloader/internal/logctx"
	"github.com/stretchr/testify/assert"
)

func serveLogged(t *testing.T, logger *slog.Logger, path string, status int) {
	t.Helper()

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging)

	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("body"))
	}
	r.Get("/downloads/{id}", handler)
	r.Get("/healthz", handler)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(logctx.WithLogger(context.Background(), logger))
	req.Header.Set(RequestIDHeader, "req-7")

	r.ServeHTTP(httptest.NewRecorder(), req)
}

func TestHTTPLogging(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "ok", status: http.StatusOK, level: "INFO"},
		{name: "client error", status: http.StatusConflict, level: "WARN"},
		{name: "server error", status: http.StatusBadGateway, level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			serveLogged(t, logctx.NewLogger(&buf, slog.LevelInfo, false), "/downloads/9", tt.status)

			out := buf.String()
			assert.Contains(t, out, "level="+tt.level)
			assert.Contains(t, out, "route=/downloads/{id}")
			assert.Contains(t, out, "path=/downloads/9")
			assert.Contains(t, out, "bytes=4")
			assert.Equal(t, 1, strings.Count(out, "request_id=req-7"))
		})
	}
}

func TestHTTPLoggingPlainHandlerGetsRequestID(t *testing.T) {
	var buf bytes.Buffer

	serveLogged(t, slog.New(slog.NewTextHandler(&buf, nil)), "/downloads/9", http.StatusOK)

	assert.Equal(t, 1, strings.Count(buf.String(), "request_id=req-7"))
}

func TestHTTPLoggingSkipsHealthChecks(t *testing.T) {
	var buf bytes.Buffer

	serveLogged(t, logctx.NewLogger(&buf, slog.LevelInfo, false), "/healthz", http.StatusOK)

	assert.Empty(t, buf.String())
}
