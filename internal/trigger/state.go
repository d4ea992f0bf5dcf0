// SPDX-License-Identifier: AGPL-3.0-or-later
package trigger

import (
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

type stateTrigger struct {
	StateConfig
	re *regexp.Regexp
}

// pending tracks the single in-flight delayed command for a trigger id.
type pending struct {
	stop chan struct{}
}

// StateTable holds the compiled state-change trigger list and the
// per-trigger pending-timer map. Every observed status transition is
// reported via Update, which enforces singularity (at most one pending
// task per trigger id, a new match replacing the old) and consistency (a
// transition out of a matching state cancels its pending task).
type StateTable struct {
	mu       sync.Mutex
	triggers []stateTrigger
	inFlight map[string]*pending // trigger id -> pending task, only while its regex matches
}

// CompileState compiles a StateConfig list into a StateTable.
func CompileState(cfgs []StateConfig) (*StateTable, error) {
	t := &StateTable{inFlight: make(map[string]*pending)}
	for _, c := range cfgs {
		re, err := regexp.Compile(c.Match)
		if err != nil {
			return nil, err
		}
		t.triggers = append(t.triggers, stateTrigger{StateConfig: c, re: re})
	}
	return t, nil
}

// Update reports a new device status word. For triggers whose regex
// matches newStatus, schedules a pending task, canceling and replacing
// any task already pending for that trigger id. For triggers that had a
// pending task but whose regex no longer matches, cancels it.
func (t *StateTable) Update(newStatus string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, trig := range t.triggers {
		matches := trig.re.MatchString(newStatus)
		_, hasPending := t.inFlight[trig.ID]

		switch {
		case matches:
			if hasPending {
				t.cancelLocked(trig.ID)
			}
			t.scheduleLocked(trig)
		case hasPending:
			t.cancelLocked(trig.ID)
		}
		// !matches && !hasPending: nothing to do.
	}
}

func (t *StateTable) scheduleLocked(trig stateTrigger) {
	stop := make(chan struct{})
	t.inFlight[trig.ID] = &pending{stop: stop}

	delay := time.Duration(trig.Delay * float64(time.Second))
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		t.mu.Lock()
		delete(t.inFlight, trig.ID)
		t.mu.Unlock()

		slog.Info("state trigger fired", "id", trig.ID, "match", trig.Match, "command", trig.Command)
		if err := exec.Command("sh", "-c", trig.Command).Run(); err != nil {
			slog.Error("state trigger command failed", "id", trig.ID, "error", err)
		}
	}()
}

// cancelLocked must be called with t.mu held.
func (t *StateTable) cancelLocked(id string) {
	if p, ok := t.inFlight[id]; ok {
		close(p.stop)
		delete(t.inFlight, id)
	}
}
