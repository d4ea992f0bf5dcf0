// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server accepts TCP clients, normalizes incoming GCode lines, and
// hands them to the device engine (by way of the trigger table, if any
// GCode triggers are configured).
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"gcode-proxy/internal/connmgr"
	"gcode-proxy/internal/payloadlog"
	"gcode-proxy/internal/task"
	"gcode-proxy/internal/trigger"
)

// DefaultIdleTimeout matches the client read timeout the original server
// enforced: a silent client for this long is assumed gone.
const DefaultIdleTimeout = 300 * time.Second

// readBufferSize is the size of each client's bufio read buffer. It does
// not cap line length: ReadString keeps reading until it sees a newline.
const readBufferSize = 4096

// Device is the subset of the device engine the server needs: admission
// control and task submission. Both device.Engine and device.DryRunEngine
// satisfy this.
type Device interface {
	Submit(gcode *task.GCode)
	SubmitTrigger(t trigger.Task)
	QueueFull() bool
	StatusString() string
}

// Config parameterizes a Server.
type Config struct {
	Address     string
	Port        int
	IdleTimeout time.Duration // 0 means DefaultIdleTimeout
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Server accepts TCP clients and feeds their GCode lines to Device.
type Server struct {
	cfg      Config
	conns    *connmgr.Manager
	device   Device
	triggers *trigger.GCodeTable // nil if no gcode triggers configured

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	tcpLog *payloadlog.Logger
}

// New builds a Server. triggers may be nil.
func New(cfg Config, conns *connmgr.Manager, device Device, triggers *trigger.GCodeTable) *Server {
	return &Server{cfg: cfg.withDefaults(), conns: conns, device: device, triggers: triggers}
}

// SetPayloadLog wires an optional TCP payload log: every command line
// received from a client is appended as an "up" entry. nil disables it.
func (s *Server) SetPayloadLog(l *payloadlog.Logger) {
	s.mu.Lock()
	s.tcpLog = l
	s.mu.Unlock()
}

// ListenAndServe binds the configured address and accepts clients until ctx
// is canceled or an unrecoverable accept error occurs. It blocks until all
// client handlers have returned.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("gcode proxy server started", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.conns.CloseAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				slog.Info("gcode proxy server stopped")
				return nil
			}
			slog.Error("accept failed", "error", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(conn)
		}()
	}
}

// Close stops accepting new connections. Connected clients are closed when
// the context passed to ListenAndServe is canceled.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleClient(conn net.Conn) {
	addr := conn.RemoteAddr()
	clientID := s.conns.Register(conn)
	slog.Info("client connected", "address", addr, "client_id", clientID)

	defer func() {
		s.conns.Close(clientID)
		slog.Info("client disconnected", "address", addr, "client_id", clientID)
	}()

	reader := bufio.NewReaderSize(conn, readBufferSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		line, err := reader.ReadString('\n')
		if line != "" {
			s.handleLine(line, clientID, addr)
		}
		if err != nil {
			s.logReadError(err, addr)
			return
		}
	}
}

func (s *Server) logReadError(err error, addr net.Addr) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		slog.Debug("client closed connection", "address", addr)
	case errors.As(err, &netErr) && netErr.Timeout():
		slog.Debug("client idle timeout", "address", addr)
	default:
		slog.Debug("client read error", "address", addr, "error", err)
	}
}

// handleLine normalizes \r\n to \n and processes every non-blank command
// the line (or trailing partial-read fragment) contains.
func (s *Server) handleLine(raw, clientID string, addr net.Addr) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	for _, cmd := range strings.Split(normalized, "\n") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		slog.Debug("received command", "address", addr, "command", cmd)
		s.mu.Lock()
		tcpLog := s.tcpLog
		s.mu.Unlock()
		tcpLog.AddLine("up", cmd)
		s.queueCommand(cmd, clientID)
	}
}

func (s *Server) queueCommand(command, clientID string) {
	if s.device.QueueFull() {
		slog.Warn("command queue full, rejecting command", "client_id", clientID, "command", command)
		s.conns.Send(clientID, "error: command queue is full")
		return
	}

	if s.triggers != nil {
		tasks := s.triggers.BuildTasks(command, s.device.StatusString(), clientID)
		for _, t := range tasks {
			s.device.SubmitTrigger(t)
		}
		return
	}

	s.device.Submit(task.NewGCode(command, clientID, true))
}
