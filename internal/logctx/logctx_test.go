package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFromContextDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), NewLogger(&buf, slog.LevelInfo, false))
	ctx, logger := With(ctx, "session_id", 7)

	logger.Info("first")
	LoggerFromContext(ctx).Debug("hidden")
	LoggerFromContext(ctx).Info("second")

	out := buf.String()
	assert.Contains(t, out, "msg=first session_id=7")
	assert.Contains(t, out, "msg=second session_id=7")
	assert.NotContains(t, out, "hidden")
}
