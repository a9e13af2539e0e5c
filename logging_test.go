package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHandlerFansOut(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer

	logger := slog.New(multiHandler{
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	})

	logger.Info("checkpoint saved", slog.Int("samples", 42))

	assert.Contains(t, a.String(), "checkpoint saved")
	assert.Contains(t, a.String(), "samples=42")
	assert.Contains(t, b.String(), `"samples":42`)
}

func TestMultiHandlerRespectsPerHandlerLevels(t *testing.T) {
	t.Parallel()

	var quiet, chatty bytes.Buffer

	logger := slog.New(multiHandler{
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&chatty, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})

	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger.Debug("sub-epoch detail")

	assert.Empty(t, quiet.String())
	assert.Contains(t, chatty.String(), "sub-epoch detail")
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(multiHandler{slog.NewTextHandler(&buf, nil)}).
		With(slog.String("component", "train"))

	logger.Info("ready")

	line := buf.String()
	assert.True(t, strings.Contains(line, "component=train"), line)
}
