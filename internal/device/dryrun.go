// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"gcode-proxy/internal/task"
	"gcode-proxy/internal/trigger"
)

// DryRunEngine stands in for Engine when run without hardware: it logs
// every task instead of touching a serial port and acks everything "ok"
// immediately, bypassing the character-counting buffer entirely. Shell
// tasks are logged, not executed, so a dry run never has side effects.
type DryRunEngine struct {
	responder Responder
	states    StatusObserver

	queue    chan queueItem
	stopCh   chan struct{}
	stopOnce sync.Once

	queueSize  int
	pendingLen atomic.Int64
}

// NewDryRun builds a DryRunEngine with the same Responder/StatusObserver
// wiring as New, so the server and trigger engine need not distinguish it
// from a real Engine.
func NewDryRun(queueSize int, responder Responder, states StatusObserver) *DryRunEngine {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &DryRunEngine{
		responder: responder,
		states:    states,
		queue:     make(chan queueItem, queueSize),
		stopCh:    make(chan struct{}),
		queueSize: queueSize,
	}
}

func (e *DryRunEngine) Submit(gcode *task.GCode) {
	e.enqueue(queueItem{gcode: gcode})
}

func (e *DryRunEngine) SubmitTrigger(t trigger.Task) {
	e.enqueue(queueItem{gcode: t.GCode, shell: t.Shell, waitForIdle: t.WaitForIdle})
}

func (e *DryRunEngine) enqueue(item queueItem) {
	e.pendingLen.Add(1)
	select {
	case e.queue <- item:
	case <-e.stopCh:
		e.pendingLen.Add(-1)
	}
}

// QueueFull reports whether the dry-run queue has reached queueSize.
func (e *DryRunEngine) QueueFull() bool {
	return int(e.pendingLen.Load()) >= e.queueSize
}

// Status always reports Idle: there is no device to be in any other state.
func (e *DryRunEngine) Status() Status {
	return Idle
}

// StatusString satisfies server.Device.
func (e *DryRunEngine) StatusString() string {
	return string(e.Status())
}

// Start runs the dry-run processing loop until ctx is canceled or Stop is
// called, acking every task immediately.
func (e *DryRunEngine) Start(ctx context.Context) error {
	slog.Info("connected to dry-run device (no actual hardware)")
	if e.states != nil {
		e.states.Update(string(Idle))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		case item := <-e.queue:
			e.pendingLen.Add(-1)
			e.process(item)
		}
	}
}

func (e *DryRunEngine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

func (e *DryRunEngine) process(item queueItem) {
	switch {
	case item.isGCode():
		slog.Debug("dry-run: would send", "gcode", strings.TrimSpace(item.line()))
	case item.shell != nil:
		slog.Debug("dry-run: would execute shell", "id", item.shell.ID, "command", item.shell.Command)
	default:
		slog.Warn("dry-run: unknown task type")
	}

	if item.shouldRespond() {
		e.responder.Send(item.clientID(), "ok")
	}
}
