// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"log/slog"
	"strings"

	"gcode-proxy/internal/protocol"
	"gcode-proxy/internal/task"
)

// doTask is the entry point for every submitted queueItem: real-time
// commands are handled immediately, Alarm-state gating rejects
// disallowed GCode, and everything else joins the pending queue before a
// buffer-fill attempt.
func (e *Engine) doTask(item queueItem) {
	if !e.connected {
		if item.isGCode() {
			if item.shouldRespond() {
				e.respondTo(item, "error: device offline")
			}
			return
		}
		e.runShell(item.shell, item.waitForIdle)
		return
	}

	if e.handleRealtimeCommand(item) {
		return
	}

	if item.isGCode() && e.state.Status == Alarm && !AllowedInAlarm(item.line()) {
		slog.Warn("command rejected in alarm state", "gcode", item.line())
		if item.shouldRespond() {
			e.respondTo(item, "error:9")
		}
		return
	}

	e.pending = append(e.pending, item)
	e.pendingLen.Add(1)
	e.fillBuffer()
}

// handleRealtimeCommand processes ?, !, ~ and 0x18 inline, bypassing the
// character-counting buffer entirely. Reports true if item was a
// real-time command (handled either way).
func (e *Engine) handleRealtimeCommand(item queueItem) bool {
	if !item.isGCode() {
		return false
	}
	gcode := strings.TrimSpace(item.line())

	switch {
	case protocol.IsSoftReset(gcode):
		slog.Info("real-time command: soft reset")
		e.resetRunningState()
	case gcode == "?":
		// Pushed as the oldest in-flight item so the next status report
		// routes back to this task's client; a status report with no ?
		// at the head of the in-flight queue is sent to no client.
		e.inFlight = append([]queueItem{item}, e.inFlight...)
		e.writeRaw("?")
		return true
	case gcode == "!":
		slog.Debug("real-time command: feed hold")
		e.state.Splice(Hold)
		e.notifyStatus(e.state.Status)
		e.resumed = false
	case gcode == "~":
		slog.Debug("real-time command: cycle start/resume")
		e.state.Splice(Run)
		e.notifyStatus(e.state.Status)
		e.resumed = true
		e.fillBuffer()
	default:
		return false
	}

	e.writeRaw(gcode)
	return true
}

// fillBuffer drains the pending queue into the serial device while the
// next item's character count fits the remaining buffer quota and the
// device isn't paused (by a synchronize=true shell task) or held.
func (e *Engine) fillBuffer() {
	for !e.bufferPaused {
		if !e.resumed {
			slog.Debug("device in hold, pausing buffer fill")
			return
		}
		if len(e.pending) == 0 {
			break
		}

		next := e.pending[0]
		if next.isGCode() && next.charCount() > e.bufferQuota {
			slog.Debug("device buffer too full for next task, backing off",
				"quota_pct", pct(e.bufferQuota, e.cfg.GRBLBufferSize))
			break
		}

		e.pending = e.pending[1:]
		e.pendingLen.Add(-1)

		switch {
		case next.isGCode():
			e.send(next)
			if IsHomingCommand(next.line()) {
				e.state.Homing = HomingQueued
			}
		case next.shell != nil && next.waitForIdle:
			slog.Debug("injecting dwell before synchronized shell task", "id", next.shell.ID)
			e.bufferPaused = true
			dwell := queueItem{gcode: task.NewGCode("G4 P0", "", false), isDwell: true}
			e.inFlight = append(e.inFlight, dwell)
			e.send(dwell)
		}

		e.inFlight = append(e.inFlight, next)
	}

	e.drainNonGCode()
}

// send writes a GCode item's line to the serial device and deducts its
// character count from the buffer quota, unless it's an immediate command
// (which bypasses character counting entirely).
func (e *Engine) send(item queueItem) {
	line := item.line()
	e.writeRaw(line)
	if !protocol.IsImmediate(line) {
		e.bufferQuota -= item.charCount()
	}
}

func (e *Engine) writeRaw(cmd string) {
	if e.codec == nil {
		return
	}
	if err := e.codec.Write(cmd); err != nil {
		slog.Error("serial write failed", "error", err)
		return
	}
	e.payloadLog.AddLine("down", strings.TrimSpace(cmd))
}

// drainNonGCode runs every Shell task sitting at the head of the in-flight
// queue (those never go to the device, so nothing will ever ack them).
func (e *Engine) drainNonGCode() {
	for len(e.inFlight) > 0 && !e.inFlight[0].isGCode() {
		item := e.inFlight[0]
		e.inFlight = e.inFlight[1:]
		if item.shell != nil {
			e.runShell(item.shell, item.waitForIdle)
			if item.waitForIdle {
				e.bufferPaused = false
				e.fillBuffer()
			}
		}
	}
}

// runShell executes a shell task. When waitForIdle is set the caller
// (drainNonGCode, via the dwell it injected) already holds buffer fill
// paused until this returns, so execution happens synchronously; otherwise
// it runs in its own goroutine and the caller moves on immediately.
func (e *Engine) runShell(s *task.Shell, waitForIdle bool) {
	run := func() {
		ok, out := s.Execute(context.Background())
		resp := "ok"
		if !ok {
			resp = "error: " + out
		}
		if s.ShouldRespond() {
			e.responder.Send(s.ClientID(), resp)
		}
	}
	if waitForIdle {
		run()
		return
	}
	go run()
}

func (e *Engine) sendLiveness() {
	if !e.connected {
		return
	}
	e.writeRaw("?")
	if e.cfg.SwallowRealtimeOK {
		e.skippableOKs++
	}
}

func (e *Engine) respondTo(item queueItem, line string) {
	e.responder.Send(item.clientID(), line)
}

func pct(quota, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(quota) * 100.0 / float64(total)
}

