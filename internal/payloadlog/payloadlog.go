// SPDX-License-Identifier: AGPL-3.0-or-later

// Package payloadlog appends direction-tagged lines to a log file with a
// 1s-batched fsync, adapted from the teacher's PayloadLogger (buffered
// append-only session file, dirty-flag flush ticker) but writing to the
// single path a gcode-log-file/tcp-log-file config key names rather than
// rotating per-session files in a directory.
package payloadlog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger appends timestamped, direction-tagged lines to a single file.
// A nil *Logger (as returned when path is "") is safe to call AddLine/Close
// on; both are no-ops.
type Logger struct {
	file    *os.File
	mu      sync.Mutex
	isDirty bool
	done    chan struct{}
}

// Open creates (or appends to) the log file at path. An empty path returns
// a nil *Logger whose methods are safe no-ops, so callers need not branch
// on whether a log file was configured.
func Open(path string) *Logger {
	if path == "" {
		return nil
	}

	l := &Logger{done: make(chan struct{})}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open payload log file", "path", path, "error", err)
		return l
	}

	l.file = file
	slog.Info("opened payload log file", "path", path)
	go l.flushLoop()
	return l
}

func (l *Logger) flushLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.isDirty && l.file != nil {
				_ = l.file.Sync()
				l.isDirty = false
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// AddLine appends a single direction-tagged line. dir is conventionally
// "up" (client/device -> proxy) or "down" (proxy -> client/device).
func (l *Logger) AddLine(dir, payload string) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s %s\n", time.Now().Local().Format("2006-01-02 15:04:05.000-07:00"), dir, payload)
	if _, err := l.file.WriteString(line); err != nil {
		slog.Error("failed to write payload log line", "error", err)
		return
	}
	l.isDirty = true
}

// Close flushes and closes the log file. Safe to call on a nil *Logger.
func (l *Logger) Close() {
	if l == nil || l.file == nil {
		return
	}

	close(l.done)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isDirty {
		_ = l.file.Sync()
	}
	_ = l.file.Close()
	l.file = nil
}
