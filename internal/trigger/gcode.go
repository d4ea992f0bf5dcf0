// SPDX-License-Identifier: AGPL-3.0-or-later
package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"gcode-proxy/internal/task"
)

// gcodeTrigger is a compiled GCodeConfig entry.
type gcodeTrigger struct {
	GCodeConfig
	re *regexp.Regexp
}

// GCodeTable holds the compiled GCode trigger list, consulted in config
// order for every line received from a client.
type GCodeTable struct {
	triggers []gcodeTrigger
}

// CompileGCode compiles a GCodeConfig list into a GCodeTable. Returns an
// error naming the offending trigger id on an invalid regex.
func CompileGCode(cfgs []GCodeConfig) (*GCodeTable, error) {
	t := &GCodeTable{}
	for _, c := range cfgs {
		re, err := regexp.Compile(c.Match)
		if err != nil {
			return nil, fmt.Errorf("trigger '%s': invalid regex %q: %w", c.ID, c.Match, err)
		}
		t.triggers = append(t.triggers, gcodeTrigger{GCodeConfig: c, re: re})
	}
	return t, nil
}

// matching returns, in config order, the triggers whose regex matches the
// trimmed gcode and whose state restriction (if any) equals currentStatus.
func (t *GCodeTable) matching(gcode, currentStatus string) []gcodeTrigger {
	trimmed := strings.TrimSpace(gcode)
	var out []gcodeTrigger
	for _, trig := range t.triggers {
		if !trig.re.MatchString(trimmed) {
			continue
		}
		if trig.State != "" && trig.State != currentStatus {
			continue
		}
		out = append(out, trig)
	}
	return out
}

// BuildTasks compiles the tasks a single incoming gcode line expands into,
// given the device's current status word and the originating client.
//
// No match: a single forwarded GCodeTask. A Forward trigger emits the
// GCodeTask followed by a non-responding, optionally synchronized
// ShellTask. Capture/CaptureNoWait emit only a ShellTask in place of the
// GCodeTask, responding to the client themselves.
func (t *GCodeTable) BuildTasks(gcode, currentStatus, clientID string) []Task {
	matches := t.matching(gcode, currentStatus)
	if len(matches) == 0 {
		return []Task{{GCode: task.NewGCode(gcode, clientID, true)}}
	}

	var tasks []Task
	for _, trig := range matches {
		switch trig.Behavior {
		case Forward:
			tasks = append(tasks,
				Task{GCode: task.NewGCode(gcode, clientID, true)},
				Task{
					Shell:       task.NewShell(trig.ID, trig.Command, clientID, false),
					WaitForIdle: trig.Synchronize,
				},
			)
		case CaptureNoWait:
			tasks = append(tasks, Task{
				Shell:       task.NewShell(trig.ID, trig.Command, clientID, true),
				WaitForIdle: false,
			})
		default: // Capture
			tasks = append(tasks, Task{
				Shell:       task.NewShell(trig.ID, trig.Command, clientID, true),
				WaitForIdle: trig.Synchronize,
			})
		}
	}
	return tasks
}

// Task wraps a task.Task with the device engine's synchronization flag: a
// Shell task with WaitForIdle must not run until the preceding GCode (and
// the G4 P0 dwell the device engine injects for it) has been acked.
type Task struct {
	GCode       *task.GCode
	Shell       *task.Shell
	WaitForIdle bool
}
