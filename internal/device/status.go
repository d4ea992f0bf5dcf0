// SPDX-License-Identifier: AGPL-3.0-or-later

// Package device implements the GRBL character-counting serial engine: a
// single goroutine owns the serial port, the buffer quota, the in-flight
// and pending task queues, and the device-state object, mirroring the
// cooperative single-loop shape of the system this engine talks to.
package device

import (
	"regexp"
	"strings"
)

// Status is one of GRBL's reported machine states.
type Status string

const (
	Idle         Status = "Idle"
	Run          Status = "Run"
	Hold         Status = "Hold"
	Door         Status = "Door"
	Home         Status = "Home"
	Alarm        Status = "Alarm"
	Check        Status = "Check"
	Disconnected Status = "Disconnected"
	Unknown      Status = "Unknown"
)

// HomingPhase tracks progress of a $H command across the status-report/ok
// race ESP-based GRBL boards are prone to: the board's status transitions
// Home -> Idle before its "ok" line survives the noisy serial buffer, so a
// grace timer (see completeHomingIfStillPending in response.go) papers over
// the loss.
type HomingPhase string

const (
	HomingOff      HomingPhase = "off"
	HomingQueued   HomingPhase = "queued"
	HomingComplete HomingPhase = "complete"
)

var statusSpliceRe = regexp.MustCompile(`^(<)(\w+)([|,])`)

// State holds the most recently observed status report, the derived
// status word, and homing progress. Mutated only from the engine
// goroutine.
type State struct {
	Status     Status
	StatusLine string // raw "<Idle|MPos:...>" line, "" if never seen
	Homing     HomingPhase
}

// NewState returns a State in its initial Unknown/not-homing condition.
func NewState() *State {
	return &State{Status: Unknown, Homing: HomingOff}
}

// ParseStatusLine extracts the status word from a "<Word|...>" or
// "<Word,...>" status report. Returns Unknown if the line doesn't carry a
// recognizable word in that position.
func ParseStatusLine(line string) Status {
	m := statusSpliceRe.FindStringSubmatch(line)
	if m == nil {
		return Unknown
	}
	return Status(m[2])
}

// UpdateFromLine replaces the cached status and status line from a freshly
// observed status report.
func (s *State) UpdateFromLine(line string) {
	s.Status = ParseStatusLine(line)
	s.StatusLine = line
}

// Splice rewrites the cached status word in place within StatusLine,
// preserving position/feedrate fields, for preemptive state updates caused
// by real-time commands (!, ~) rather than an actual status report.
func (s *State) Splice(newStatus Status) {
	if s.StatusLine == "" {
		s.Status = newStatus
		return
	}
	updated := statusSpliceRe.ReplaceAllString(s.StatusLine, "${1}"+string(newStatus)+"${3}")
	if updated != s.StatusLine {
		s.StatusLine = updated
	}
	s.Status = newStatus
}

// IsHomingCommand reports whether a trimmed, upper-cased gcode line is $H.
func IsHomingCommand(gcode string) bool {
	return strings.ToUpper(strings.TrimSpace(gcode)) == "$H"
}

// IsStatusQuery reports whether a trimmed gcode line is the ? real-time
// status query.
func IsStatusQuery(gcode string) bool {
	return strings.TrimSpace(gcode) == "?"
}

// AllowedInAlarm reports whether gcode may be queued while the device is in
// Alarm state: only $X (kill alarm lock) and $H (home) are permitted.
func AllowedInAlarm(gcode string) bool {
	g := strings.ToUpper(strings.TrimSpace(gcode))
	return g == "$X" || g == "$H"
}
