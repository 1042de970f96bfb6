// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for notebook components.
//
// The layered design follows Unix conventions: human-readable stderr
// output by default, with an optional JSON log file per service for
// aggregation. Both layers share one slog.LevelVar so the level can be
// changed at runtime (the config watcher uses this for hot reload).
//
// Basic usage:
//
//	logger, lvl, err := logging.New(logging.Config{
//	    Level:   "info",
//	    LogDir:  "/var/log/notebook",
//	    Service: "notebook",
//	})
//	defer logger.Close()
//	logger.Info("relay started", "instance_id", id)
//
// This package does NOT redact sensitive data; callers must keep tokens
// and secrets out of log fields.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config configures a Logger.
type Config struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// LogDir enables JSON file logging when set. The directory is
	// created if missing; files are named {service}_{date}.log.
	LogDir string

	// Service names the log file and is attached to every record.
	Service string
}

// Logger wraps slog with file lifecycle management.
//
// Thread Safety: Logger is safe for concurrent use.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger per cfg.
//
// Outputs:
//
//	*Logger - The logger. Call Close when file logging is enabled.
//	*slog.LevelVar - Shared level, settable at runtime.
//	error - Non-nil when the log directory or file cannot be created.
func New(cfg Config) (*Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	var file *os.File
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0750); err != nil {
			return nil, nil, fmt.Errorf("create log directory %s: %w", cfg.LogDir, err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &fanoutHandler{handlers: handlers}
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return &Logger{Logger: logger, level: level, file: file}, level, nil
}

// Default returns a stderr-only logger at info level.
func Default() *Logger {
	l, _, _ := New(Config{Level: "info"})
	return l
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// fanoutHandler duplicates records across handlers. Enabled when any
// member is; failed members do not stop the others.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, record.Level) {
			continue
		}
		if err := hh.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
