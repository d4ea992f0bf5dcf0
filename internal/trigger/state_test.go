// SPDX-License-Identifier: AGPL-3.0-or-later
package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateTriggerFiresAfterDelay(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "fired")

	tbl, err := CompileState([]StateConfig{
		{ID: "idle-off", Match: "^Idle$", Delay: 0.05, Command: "touch " + marker},
	})
	if err != nil {
		t.Fatalf("CompileState: %v", err)
	}

	tbl.Update("Idle")

	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected marker file to exist after delay: %v", err)
	}
}

func TestStateTriggerCancelsOnStateChange(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "fired")

	tbl, err := CompileState([]StateConfig{
		{ID: "idle-off", Match: "^Idle$", Delay: 0.3, Command: "touch " + marker},
	})
	if err != nil {
		t.Fatalf("CompileState: %v", err)
	}

	tbl.Update("Idle")
	time.Sleep(100 * time.Millisecond)
	tbl.Update("Run") // consistency: leaving Idle cancels the pending task

	time.Sleep(400 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Errorf("expected marker file to not exist, trigger should have been canceled")
	}
}

func TestStateTriggerSingularityReplacesPending(t *testing.T) {
	tbl, err := CompileState([]StateConfig{
		{ID: "idle-off", Match: "^Idle$", Delay: 0.2, Command: "true"},
	})
	if err != nil {
		t.Fatalf("CompileState: %v", err)
	}

	tbl.Update("Idle")
	tbl.mu.Lock()
	first := tbl.inFlight["idle-off"]
	tbl.mu.Unlock()

	tbl.Update("Idle") // matching again: replaces the pending timer
	tbl.mu.Lock()
	second := tbl.inFlight["idle-off"]
	numPending := len(tbl.inFlight)
	tbl.mu.Unlock()

	if first == second {
		t.Errorf("expected repeated match while already pending to replace the timer")
	}
	if numPending != 1 {
		t.Errorf("expected exactly one pending task, got %d", numPending)
	}
}
