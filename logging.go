package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/ABCchaos/KataGo/internal/config"
)

// buildLogger creates the training logger: human-readable text on stderr
// when attached to a terminal (JSON otherwise, for log shippers), plus a
// durable JSON stream appended to train.log inside the training
// directory. The returned closer releases the log file.
func buildLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = slog.NewJSONHandler(os.Stderr, opts)
	}

	if err := os.MkdirAll(cfg.TrainDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating training directory: %w", err)
	}

	// Only the leader rank runs, so the log file is always rank 0's.
	logPath := filepath.Join(cfg.TrainDir, "train0.log")

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	logger := slog.New(multiHandler{console, slog.NewJSONHandler(f, opts)})

	return logger, f.Close, nil
}

// consoleLogger returns a stderr-only logger for commands that never touch
// the training directory.
func consoleLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// discardLogger drops everything; used where a component requires a logger
// but the command output must stay clean.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multiHandler fans every record out to all wrapped handlers.
type multiHandler []slog.Handler

func (h multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error

	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}

		if err := handler.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (h multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	wrapped := make(multiHandler, len(h))
	for i, handler := range h {
		wrapped[i] = handler.WithAttrs(attrs)
	}

	return wrapped
}

func (h multiHandler) WithGroup(name string) slog.Handler {
	wrapped := make(multiHandler, len(h))
	for i, handler := range h {
		wrapped[i] = handler.WithGroup(name)
	}

	return wrapped
}
