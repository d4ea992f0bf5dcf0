// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"gcode-proxy/internal/task"
)

// fakeResponder records every Send/Broadcast call for assertions.
type fakeResponder struct {
	mu    sync.Mutex
	sent  []string
	bcast []string
}

func (f *fakeResponder) Send(clientID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
}

func (f *fakeResponder) Broadcast(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bcast = append(f.bcast, data)
}

func (f *fakeResponder) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeResponder) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeObserver records status transitions.
type fakeObserver struct {
	mu      sync.Mutex
	updates []string
}

func (f *fakeObserver) Update(newStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, newStatus)
}

// pipeOpener hands out one end of a net.Pipe as the serial port, the other
// end stays with the test so it can play the part of the device.
type pipeOpener struct {
	devEnd net.Conn
}

func newPipeOpener() (*pipeOpener, net.Conn) {
	a, b := net.Pipe()
	return &pipeOpener{devEnd: b}, a
}

func (p *pipeOpener) Open(ctx context.Context, cfg Config) (serialPort, error) {
	return p.devEnd, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, net.Conn, *fakeResponder, func()) {
	t.Helper()
	opener, devEnd := newPipeOpener()
	responder := &fakeResponder{}
	e := New(cfg, responder, nil)
	e.opener = opener

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Start(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return e.connected })

	cleanup := func() {
		cancel()
		e.Stop()
		_ = devEnd.Close()
		<-done
	}
	return e, devEnd, responder, cleanup
}

func readLineFrom(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read from device end failed: %v", err)
	}
	return string(buf[:n])
}

func TestCharacterCountingBacksOffAndCredits(t *testing.T) {
	e, devEnd, _, cleanup := newTestEngine(t, Config{GRBLBufferSize: 6, QueueSize: 10})
	defer cleanup()

	e.Submit(task.NewGCode("G0X1", "c1", true)) // 5 chars incl newline, fits
	e.Submit(task.NewGCode("G0X2", "c1", true)) // would not fit until credited

	line := readLineFrom(t, devEnd)
	if line != "G0X1\n" {
		t.Fatalf("expected first command sent, got %q", line)
	}

	waitFor(t, time.Second, func() bool { return len(e.pending) == 1 })

	if _, err := devEnd.Write([]byte("ok\n")); err != nil {
		t.Fatalf("write ok: %v", err)
	}

	line = readLineFrom(t, devEnd)
	if line != "G0X2\n" {
		t.Fatalf("expected second command after credit, got %q", line)
	}
}

func TestRealtimeStatusQueryBypassesQueueAndRoutesReply(t *testing.T) {
	e, devEnd, responder, cleanup := newTestEngine(t, Config{GRBLBufferSize: 4, QueueSize: 10})
	defer cleanup()

	// A plain command larger than the buffer quota sits in pending.
	e.Submit(task.NewGCode("G0X99", "c1", true))
	waitFor(t, time.Second, func() bool { return len(e.pending) == 1 })

	e.Submit(task.NewGCode("?", "status-client", true))
	line := readLineFrom(t, devEnd)
	if line != "?" {
		t.Fatalf("expected status query sent immediately, got %q", line)
	}

	if _, err := devEnd.Write([]byte("<Idle|MPos:0,0,0>\n")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return responder.lastSent() == "<Idle|MPos:0,0,0>" })
}

func TestAlarmRejectsDisallowedCommand(t *testing.T) {
	e, devEnd, responder, cleanup := newTestEngine(t, Config{GRBLBufferSize: 128, QueueSize: 10})
	defer cleanup()

	if _, err := devEnd.Write([]byte("ALARM:9\n")); err != nil {
		t.Fatalf("write alarm: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.Status() == Alarm })

	e.Submit(task.NewGCode("G0X1", "c1", true))
	waitFor(t, time.Second, func() bool { return responder.lastSent() == "error:9" })

	e.Submit(task.NewGCode("$X", "c1", false))
	line := readLineFrom(t, devEnd)
	if line != "$X\n" {
		t.Fatalf("expected $X to be forwarded while in alarm, got %q", line)
	}
}

func TestHomingGraceCompletesLostOK(t *testing.T) {
	e, devEnd, responder, cleanup := newTestEngine(t, Config{GRBLBufferSize: 128, QueueSize: 10})
	defer cleanup()

	e.Submit(task.NewGCode("$H", "c1", true))
	line := readLineFrom(t, devEnd)
	if line != "$H\n" {
		t.Fatalf("expected $H sent, got %q", line)
	}
	waitFor(t, time.Second, func() bool { return e.state.Homing == HomingQueued })

	if _, err := devEnd.Write([]byte("<Home|MPos:0,0,0>\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := devEnd.Write([]byte("<Idle|MPos:0,0,0>\n")); err != nil {
		t.Fatal(err)
	}

	// No "ok" ever arrives; the grace timer should complete the task anyway.
	waitFor(t, 2*time.Second, func() bool { return responder.lastSent() == "ok" })
}

func TestDryRunEngineAcksImmediately(t *testing.T) {
	responder := &fakeResponder{}
	observer := &fakeObserver{}
	e := NewDryRun(5, responder, observer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Start(ctx) }()

	waitFor(t, time.Second, func() bool { return len(observer.updates) > 0 })

	e.Submit(task.NewGCode("G0X1", "c1", true))
	waitFor(t, time.Second, func() bool { return responder.lastSent() == "ok" })

	if e.Status() != Idle {
		t.Fatalf("dry run status = %v, want Idle", e.Status())
	}
}
