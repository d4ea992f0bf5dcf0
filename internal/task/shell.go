// SPDX-License-Identifier: AGPL-3.0-or-later
package task

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
)

// Execute runs the shell task's command via the platform shell, capturing
// stdout/stderr. On success it returns the trimmed stdout. On a non-zero
// exit it returns ok=false and the trimmed stderr, which the caller sends
// back to the client as "error: <stderr>".
func (s *Shell) Execute(ctx context.Context) (ok bool, output string) {
	slog.Info("executing shell task", "id", s.ID, "command", s.Command)

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		slog.Debug("shell task completed", "id", s.ID)
		return true, strings.TrimSpace(stdout.String())
	}

	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	slog.Error("shell task failed", "id", s.ID, "error", msg)
	return false, msg
}
