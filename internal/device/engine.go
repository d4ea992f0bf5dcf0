// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gcode-proxy/internal/payloadlog"
	"gcode-proxy/internal/protocol"
	"gcode-proxy/internal/task"
	"gcode-proxy/internal/trigger"
)

const (
	responseQueueSize = protocol.ResponseQueueSize

	// DefaultGRBLBufferSize is GRBL's typical serial receive buffer, in bytes.
	DefaultGRBLBufferSize = 128
	// DefaultQueueSize bounds the pending task queue.
	DefaultQueueSize = 50
	// confirmationDeliveryGrace covers the window between a Home->Idle
	// status transition and its "ok" line, which ESP-based boards often
	// lose to log corruption.
	confirmationDeliveryGrace = 200 * time.Millisecond
)

// Responder delivers device/trigger output back to TCP clients. connmgr.Manager
// satisfies this directly.
type Responder interface {
	Send(clientID, data string)
	Broadcast(data string)
}

// StatusObserver is notified of every device status transition, driving
// state-change triggers. trigger.StateTable satisfies this directly.
type StatusObserver interface {
	Update(newStatus string)
}

// Config parameterizes an Engine.
type Config struct {
	USBID               string // vendor:product hex pair, mutually exclusive with DevPath
	DevPath             string
	BaudRate            int
	QueueSize           int           // pending queue bound, default DefaultQueueSize
	InitializationDelay time.Duration
	GRBLBufferSize      int           // default DefaultGRBLBufferSize
	LivenessPeriod      time.Duration // 0 disables the `?` ping loop
	SwallowRealtimeOK   bool
	DiscoveryPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.GRBLBufferSize <= 0 {
		c.GRBLBufferSize = DefaultGRBLBufferSize
	}
	if c.DiscoveryPollInterval <= 0 {
		c.DiscoveryPollInterval = time.Second
	}
	if c.BaudRate <= 0 {
		c.BaudRate = 115200
	}
	return c
}

// queueItem is a pending or in-flight unit of work. Exactly one of gcode or
// shell is set. isDwell marks the synthetic "G4 P0\n" the engine injects
// ahead of a synchronize=true shell task.
type queueItem struct {
	gcode       *task.GCode
	shell       *task.Shell
	waitForIdle bool
	isDwell     bool
}

func (q queueItem) charCount() int {
	if q.gcode != nil {
		return q.gcode.CharCount
	}
	return 0
}

func (q queueItem) isGCode() bool { return q.gcode != nil }

func (q queueItem) clientID() string {
	switch {
	case q.gcode != nil:
		return q.gcode.ClientID()
	case q.shell != nil:
		return q.shell.ClientID()
	default:
		return ""
	}
}

func (q queueItem) shouldRespond() bool {
	switch {
	case q.gcode != nil:
		return q.gcode.ShouldRespond()
	case q.shell != nil:
		return q.shell.ShouldRespond()
	default:
		return false
	}
}

func (q queueItem) line() string {
	if q.gcode != nil {
		return q.gcode.Line
	}
	return ""
}

// Engine is the GRBL character-counting device actor. All mutable device
// state is touched only from the goroutine run by Start; every other
// caller communicates over Submit, which never blocks the caller on
// device latency.
type Engine struct {
	cfg       Config
	responder Responder
	states    StatusObserver // may be nil

	submit      chan queueItem
	lines       chan string
	connEv      chan connEvent
	opened      chan openResult
	homingGrace chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once

	opener portOpener

	// touched only inside Start()'s loop (and helpers it calls synchronously)
	port          serialPort
	codec         *protocol.LineCodec
	cancelConn    context.CancelFunc
	connGen       int
	connected     bool
	running       bool
	bufferQuota   int
	bufferPaused  bool
	inFlight      []queueItem
	pending       []queueItem
	skippableOKs  int
	resumed       bool
	state         *State
	reconnectC    <-chan time.Time

	pendingLen atomic.Int64 // mirrors len(pending), readable without the run goroutine

	payloadLog *payloadlog.Logger // optional, set via SetPayloadLog before Start
}

// SetPayloadLog wires an optional serial payload log: every line written to
// or read from the device is appended as a down/up entry respectively. Call
// before Start; nil disables logging.
func (e *Engine) SetPayloadLog(l *payloadlog.Logger) {
	e.payloadLog = l
}

type connEvent struct {
	gen int
	err error
}

// openResult carries a completed (possibly failed) port-open attempt back
// to the run loop. The open itself happens off-goroutine since it may
// block polling for device discovery; only the run loop wires the result
// into engine state.
type openResult struct {
	gen  int
	port serialPort
	err  error
}

// New builds an Engine. responder delivers task output to TCP clients;
// states (may be nil) is notified of every status transition.
func New(cfg Config, responder Responder, states StatusObserver) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		responder: responder,
		states:    states,
		submit:    make(chan queueItem, 256),
		lines:     make(chan string, responseQueueSize),
		connEv:    make(chan connEvent, 4),
		opened:    make(chan openResult, 1),
		homingGrace: make(chan struct{}, 4),
		stopCh:    make(chan struct{}),
		opener:    realPortOpener{},
		state:     NewState(),
		resumed:   true,
	}
}

// Submit enqueues a GCode line for the device. Never blocks on device
// latency; the caller should have already checked QueueFull.
func (e *Engine) Submit(gcode *task.GCode) {
	e.enqueue(queueItem{gcode: gcode})
}

// SubmitTrigger enqueues a trigger-compiled task (GCode or Shell, carrying
// the synchronize flag as WaitForIdle).
func (e *Engine) SubmitTrigger(t trigger.Task) {
	e.enqueue(queueItem{gcode: t.GCode, shell: t.Shell, waitForIdle: t.WaitForIdle})
}

func (e *Engine) enqueue(item queueItem) {
	select {
	case e.submit <- item:
	case <-e.stopCh:
	}
}

// QueueFull reports whether the pending queue has reached its configured
// bound; callers should reject new admission rather than submit.
func (e *Engine) QueueFull() bool {
	return int(e.pendingLen.Load()) >= e.cfg.QueueSize
}

// Status returns the last observed device status.
func (e *Engine) Status() Status {
	return e.state.Status
}

// StatusString satisfies server.Device without exposing the device package's
// Status type to callers that only need to compare it as a string.
func (e *Engine) StatusString() string {
	return string(e.Status())
}

// Start runs the engine's command loop until ctx is canceled or Stop is
// called. It attempts an initial connection and keeps the reconnect
// supervisor alive for the lifetime of the call.
func (e *Engine) Start(ctx context.Context) error {
	e.running = true
	e.beginConnect(ctx)

	var livenessC <-chan time.Time
	if e.cfg.LivenessPeriod > 0 {
		t := time.NewTicker(e.cfg.LivenessPeriod)
		defer t.Stop()
		livenessC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			e.teardown()
			return nil
		case <-e.stopCh:
			e.teardown()
			return nil
		case item := <-e.submit:
			e.doTask(item)
		case line := <-e.lines:
			e.handleResponseLine(line)
		case ev := <-e.connEv:
			if ev.gen == e.connGen {
				e.handleDisconnect(ctx, ev.err)
			}
		case res := <-e.opened:
			e.handleOpened(ctx, res)
		case <-e.homingGrace:
			e.completeHomingIfStillPending()
		case <-e.reconnectC:
			e.reconnectC = nil
			e.beginConnect(ctx)
		case <-livenessC:
			e.sendLiveness()
		}
	}
}

// Stop idempotently signals the run loop to halt. Safe to call from any
// goroutine; the actual port/connection teardown happens inside the run
// loop via teardown, since only it may touch connection state.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// teardown releases the current connection. Must be called from the run
// loop, on its way out.
func (e *Engine) teardown() {
	e.running = false
	if e.cancelConn != nil {
		e.cancelConn()
	}
	if e.port != nil {
		_ = e.port.Close()
	}
}

func (e *Engine) notifyStatus(s Status) {
	if e.states != nil {
		e.states.Update(string(s))
	}
}
