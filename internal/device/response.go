// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"log/slog"
	"strings"
	"time"

	"gcode-proxy/internal/protocol"
)

// handleResponseLine routes a single cleaned serial line per its leading
// token: ok/error complete the oldest in-flight task, ALARM:/Grbl reset
// running state, status reports update device state, everything else is
// forwarded verbatim to the client or broadcast.
func (e *Engine) handleResponseLine(line string) {
	e.payloadLog.AddLine("up", line)

	switch {
	case strings.HasPrefix(line, "ok"):
		e.handleOK(line)
	case strings.HasPrefix(line, "error:"):
		e.completeTask(line, false)
	case strings.HasPrefix(line, "ALARM:"):
		slog.Warn("device alarm", "line", line)
		e.state.Status = Alarm
		e.notifyStatus(Alarm)
		e.responder.Broadcast(line)
		e.resetRunningState()
	case strings.HasPrefix(line, "<"):
		e.updateStatusFromReport(line)
		if e.oldestGCodeIsStatusQuery() {
			e.respondToOldest(line)
		}
	case strings.HasPrefix(line, "["):
		e.responder.Broadcast(line)
	case strings.HasPrefix(line, "$"):
		e.respondToOldest(line)
	case strings.Contains(line, "Grbl "):
		slog.Debug("device initialization message", "line", line)
		e.responder.Broadcast(line)
		e.resetRunningState()
		e.state.Status = Idle
		e.notifyStatus(Idle)
	default:
		slog.Debug("unhandled device response", "line", line)
	}
}

func (e *Engine) handleOK(line string) {
	if e.swallowOK() {
		return
	}
	e.completeTask(line, true)
}

func (e *Engine) swallowOK() bool {
	if e.skippableOKs < 0 {
		e.skippableOKs = 0
	}
	if !e.cfg.SwallowRealtimeOK || e.skippableOKs == 0 {
		return false
	}
	e.skippableOKs--
	return true
}

func (e *Engine) updateStatusFromReport(line string) {
	e.handleStatusTransition(ParseStatusLine(line))
	e.state.StatusLine = line
}

// handleStatusTransition applies a newly observed status word: updates the
// cached state, notifies state-change triggers, redundantly resets on
// Alarm, and arms the homing grace timer across a Home->Idle transition.
func (e *Engine) handleStatusTransition(newStatus Status) {
	old := e.state.Status
	if newStatus == old {
		return
	}
	e.state.Status = newStatus
	slog.Debug("device changed state", "from", old, "to", newStatus)
	e.notifyStatus(newStatus)

	if newStatus == Alarm {
		slog.Warn("device state changed to alarm, reinitializing")
		e.resetRunningState()
	}

	if e.state.Homing == HomingQueued && old == Home && newStatus == Idle {
		e.state.Homing = HomingComplete
		go func() {
			time.Sleep(confirmationDeliveryGrace)
			select {
			case e.homingGrace <- struct{}{}:
			case <-e.stopCh:
			}
		}()
	}
}

// completeHomingIfStillPending fires after the confirmation grace period:
// if the oldest in-flight task is still the $H command and its "ok" never
// arrived, complete it now rather than attribute a lost ok to whatever
// command follows it.
func (e *Engine) completeHomingIfStillPending() {
	if e.oldestGCodeIsHoming() && e.state.Homing == HomingComplete {
		slog.Info("homing ok lost, completing based on idle state transition")
		e.completeTask("ok", true)
	}
}

// completeTask pops the oldest in-flight task, credits back its buffer
// quota (if it was a non-immediate GCode send), responds to its client,
// then drains any trailing shell tasks and attempts to refill the buffer.
func (e *Engine) completeTask(responseLine string, success bool) {
	if len(e.inFlight) == 0 {
		slog.Warn("received response but no in-flight tasks", "line", responseLine)
		return
	}

	item := e.inFlight[0]
	e.inFlight = e.inFlight[1:]

	if item.isGCode() {
		if !protocol.IsImmediate(item.line()) {
			e.bufferQuota += item.charCount()
		}
		if IsHomingCommand(item.line()) {
			e.state.Homing = HomingOff
		}
	}

	if item.shouldRespond() {
		e.respondTo(item, responseLine)
	}

	e.drainNonGCode()
	e.fillBuffer()
}

func (e *Engine) oldestGCodeTask() (queueItem, bool) {
	if len(e.inFlight) > 0 && e.inFlight[0].isGCode() {
		return e.inFlight[0], true
	}
	return queueItem{}, false
}

func (e *Engine) oldestGCodeIsHoming() bool {
	item, ok := e.oldestGCodeTask()
	return ok && IsHomingCommand(item.line())
}

func (e *Engine) oldestGCodeIsStatusQuery() bool {
	item, ok := e.oldestGCodeTask()
	return ok && IsStatusQuery(item.line())
}

func (e *Engine) respondToOldest(line string) {
	item, ok := e.oldestGCodeTask()
	if ok && item.shouldRespond() {
		e.respondTo(item, line)
	}
}
