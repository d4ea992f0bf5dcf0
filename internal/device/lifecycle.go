// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"io"
	"log/slog"
	"time"

	"gcode-proxy/internal/protocol"
)

// serialPort is the subset of go.bug.st/serial.Port the engine needs,
// narrowed so lifecycle tests can substitute an in-memory pipe.
type serialPort interface {
	io.ReadWriteCloser
}

// portOpener resolves Config into an open serial port. Open may block
// polling for device discovery; it is always invoked off the run-loop
// goroutine so a slow or absent device never stalls task processing.
type portOpener interface {
	Open(ctx context.Context, cfg Config) (serialPort, error)
}

// beginConnect starts an asynchronous open attempt for the current
// connGen. Must be called from the run loop.
func (e *Engine) beginConnect(ctx context.Context) {
	e.connGen++
	gen := e.connGen
	opener, cfg := e.opener, e.cfg
	go func() {
		port, err := opener.Open(ctx, cfg)
		select {
		case e.opened <- openResult{gen: gen, port: port, err: err}:
		case <-ctx.Done():
			if port != nil {
				_ = port.Close()
			}
		}
	}()
}

// handleOpened wires a completed port-open attempt into engine state. Must
// be called from the run loop.
func (e *Engine) handleOpened(ctx context.Context, res openResult) {
	if res.gen != e.connGen {
		if res.port != nil {
			_ = res.port.Close()
		}
		return
	}

	if res.err != nil {
		slog.Error("device connection attempt failed", "error", res.err)
		e.scheduleReconnect()
		return
	}

	e.port = res.port
	e.codec = protocol.NewLineCodec(res.port)

	connCtx, cancel := context.WithCancel(ctx)
	e.cancelConn = cancel
	gen := e.connGen

	go e.forwardLines(connCtx, e.codec)
	go e.runReadLoop(connCtx, e.codec, gen)

	if e.cfg.InitializationDelay > 0 {
		time.Sleep(e.cfg.InitializationDelay)
	}
	e.codec.Drain()

	e.resetRunningState()
	e.connected = true
	e.notifyStatus(e.state.Status)

	slog.Info("connected to serial device", "usb_id", e.cfg.USBID, "dev_path", e.cfg.DevPath, "baud", e.cfg.BaudRate)
}

func (e *Engine) scheduleReconnect() {
	t := time.NewTimer(e.cfg.DiscoveryPollInterval)
	e.reconnectC = t.C
}

func (e *Engine) forwardLines(ctx context.Context, codec *protocol.LineCodec) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-codec.Lines():
			select {
			case e.lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) runReadLoop(ctx context.Context, codec *protocol.LineCodec, gen int) {
	err := codec.ReadLoop()
	select {
	case e.connEv <- connEvent{gen: gen, err: err}:
	case <-ctx.Done():
	}
}

// resetRunningState clears the in-flight and pending queues, restores the
// full buffer quota and skippable-ok counter, and releases any buffer
// pause or hold. Called on connect, soft reset (0x18), an ALARM: line, and
// a Grbl startup banner.
func (e *Engine) resetRunningState() {
	e.inFlight = nil
	e.pending = nil
	e.pendingLen.Store(0)
	e.bufferQuota = e.cfg.GRBLBufferSize
	e.skippableOKs = 0
	e.bufferPaused = false
	e.resumed = true
	slog.Debug("device state reset")
}

// handleDisconnect reacts to a read-loop failure on the current
// connection generation: the port is already dead, so close it, mark the
// device Disconnected, and start a new open attempt. Must be called from
// the run loop.
func (e *Engine) handleDisconnect(ctx context.Context, cause error) {
	if !e.connected {
		return
	}
	slog.Warn("device disconnected, will attempt reconnect", "error", cause)
	e.connected = false
	if e.cancelConn != nil {
		e.cancelConn()
	}
	if e.port != nil {
		_ = e.port.Close()
	}
	e.state.Status = Disconnected
	e.notifyStatus(Disconnected)

	e.beginConnect(ctx)
}
