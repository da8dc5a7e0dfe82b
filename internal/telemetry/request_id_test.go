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
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{name: "generated"},
		{name: "propagated", incoming: "abc-123", reuse: true},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLength+1)},
		{name: "control characters", incoming: "bad\tid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string

			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

			if tt.reuse {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestHTTPLoggingChain(t *testing.T) {
	var buf bytes.Buffer

	logger := logctx.NewLogger(&buf, slog.LevelInfo, false)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(&Telemetry{}).Middleware, RequestID, HTTPLogging)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "handler ran")
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/downloads/42", nil)
	req = req.WithContext(logctx.WithLogger(context.Background(), logger))
	req.Header.Set(RequestIDHeader, "req-42")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	out := buf.String()
	assert.Contains(t, out, "msg=\"handler ran\"")
	assert.Contains(t, out, "level=WARN msg=\"http request completed\"")
	assert.Contains(t, out, "status=404")
	assert.Equal(t, 2, strings.Count(out, "request_id=req-42"))
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusAccepted))
	assert.Equal(t, "4xx", getStatusClass(http.StatusConflict))
	assert.Equal(t, "5xx", getStatusClass(http.StatusServiceUnavailable))
}
