// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers used by the tebako binaries
// from the debuglevel mount option.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LevelTrace is below slog's debug level. It enables per-request
// logging in the filesystem adapter.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a debuglevel option value to a slog level. Accepted
// names are error, warn, info, debug and trace (case-insensitive).
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return 0, fmt.Errorf("invalid debug level %q (want error, warn, info, debug or trace)", name)
}

// LevelName is the inverse of ParseLevel for the five named levels.
func LevelName(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "trace"
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	}
	return "error"
}

// New creates a logger writing to w at the given level. When w is a
// terminal it uses slog.TextHandler for human-readable output;
// otherwise slog.JSONHandler, so packaged applications run under CI
// or a supervisor produce machine-parseable logs.
func New(level slog.Level, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	}
	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler)
}

// Default returns the fallback logger libraries use when their
// Options carry no Logger: errors only, text, on stderr.
func Default() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// replaceLevelName prints LevelTrace as "TRACE" instead of "DEBUG-4".
func replaceLevelName(groups []string, attr slog.Attr) slog.Attr {
	if attr.Key != slog.LevelKey || len(groups) != 0 {
		return attr
	}
	if level, ok := attr.Value.Any().(slog.Level); ok && level <= LevelTrace {
		attr.Value = slog.StringValue("TRACE")
	}
	return attr
}
