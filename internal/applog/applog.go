// SPDX-License-Identifier: AGPL-3.0-or-later

// Package applog configures the process-wide log/slog default logger, the
// teacher's own logging stack (main.go uses slog.SetLogLoggerLevel directly),
// extended with a Verbose level between Debug and Info to mirror
// original_source's pervasive logger.verbose(...) device-loop tracing.
package applog

import (
	"context"
	"log/slog"
	"os"
)

// LevelVerbose sits between slog.LevelDebug (-4) and slog.LevelInfo (0).
const LevelVerbose slog.Level = -2

// Setup installs the process-wide default logger. verbosity counts -v flags
// (1 enables Verbose, 2+ enables Debug); quiet suppresses below Warn and
// takes precedence over verbosity.
func Setup(verbosity int, quiet bool) {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelWarn
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = LevelVerbose
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	})
	slog.SetDefault(slog.New(handler))
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelVerbose {
			a.Value = slog.StringValue("VERBOSE")
		}
	}
	return a
}

// Verbose logs at LevelVerbose on the default logger.
func Verbose(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelVerbose, msg, args...)
}
