package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/italolelis/driver_downloader/internal/logctx"
)

// HTTPLogging logs one line per API request once the handler returns. 5xx responses
// log at error and 4xx at warn. Health checks and metric scrapes are not logged.
//
// It must run after RequestID so the request id is in the context.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := untracedPaths[r.URL.Path]; skip {
			next.ServeHTTP(w, r)

			return
		}

		ctx := r.Context()
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		requestLogger(ctx).Log(ctx, statusLevel(rw.statusCode), "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"route", routePattern(r),
			"status", rw.statusCode,
			"bytes", rw.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// requestLogger returns the context logger carrying the request id. A
// logctx.ContextHandler adds the id to every record itself.
func requestLogger(ctx context.Context) *slog.Logger {
	logger := logctx.LoggerFromContext(ctx)

	if _, ok := logger.Handler().(*logctx.ContextHandler); ok {
		return logger
	}

	if id := logctx.RequestID(ctx); id != "" {
		return logger.With("request_id", id)
	}

	return logger
}

func statusLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
