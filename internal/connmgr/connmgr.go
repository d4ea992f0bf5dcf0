// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connmgr tracks connected TCP clients and serializes writes back to
// them through a single outbound worker goroutine, so concurrent responses
// from the device engine and trigger engine never interleave mid-line on a
// socket.
package connmgr

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"gcode-proxy/internal/payloadlog"
)

type action int

const (
	actionSend action = iota
	actionClose
	actionSendAndClose
)

type connTask struct {
	action action
	target string // empty means broadcast
	data   string
}

// Manager owns the client registry and the single outbound worker.
// Never store a net.Conn anywhere outside Manager: always address clients
// by ClientID so a dead/unregistered connection fails softly.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]net.Conn
	tasks    chan connTask
	stopOnce sync.Once
	stop     chan struct{}

	tcpLog *payloadlog.Logger // optional, set via SetPayloadLog
}

// SetPayloadLog wires an optional TCP payload log: every line written back
// to a client is appended as a "down" entry. Call before Register-ing any
// client; nil disables logging.
func (m *Manager) SetPayloadLog(l *payloadlog.Logger) {
	m.mu.Lock()
	m.tcpLog = l
	m.mu.Unlock()
}

// New creates a Manager and starts its outbound worker.
func New() *Manager {
	m := &Manager{
		clients: make(map[string]net.Conn),
		tasks:   make(chan connTask, 256),
		stop:    make(chan struct{}),
	}
	go m.worker()
	return m
}

// Register assigns a new ClientID to conn and returns it.
func (m *Manager) Register(conn net.Conn) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.clients[id] = conn
	m.mu.Unlock()
	return id
}

// Unregister removes a client from the registry without touching its
// connection; the caller is expected to have already closed it.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	delete(m.clients, clientID)
	m.mu.Unlock()
}

// ClientAddr returns the remote address of a registered client, or "" if
// unknown.
func (m *Manager) ClientAddr(clientID string) string {
	m.mu.RLock()
	conn, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Send queues data for delivery to a single client. Non-blocking.
func (m *Manager) Send(clientID, data string) {
	m.submit(connTask{action: actionSend, target: clientID, data: data})
}

// Broadcast queues data for delivery to every registered client.
func (m *Manager) Broadcast(data string) {
	m.submit(connTask{action: actionSend, data: data})
}

// Close queues a close for a single client.
func (m *Manager) Close(clientID string) {
	m.submit(connTask{action: actionClose, target: clientID})
}

// SendAndClose queues data followed by a close for a single client.
func (m *Manager) SendAndClose(clientID, data string) {
	m.submit(connTask{action: actionSendAndClose, target: clientID, data: data})
}

// CloseAll queues a close for every registered client, used on shutdown.
func (m *Manager) CloseAll() {
	m.submit(connTask{action: actionClose})
}

// Shutdown stops the outbound worker. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) submit(t connTask) {
	select {
	case m.tasks <- t:
	case <-m.stop:
	}
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.stop:
			return
		case t := <-m.tasks:
			m.handle(t)
		}
	}
}

func (m *Manager) handle(t connTask) {
	var targets []string
	if t.target == "" {
		m.mu.RLock()
		for id := range m.clients {
			targets = append(targets, id)
		}
		m.mu.RUnlock()
	} else {
		m.mu.RLock()
		_, ok := m.clients[t.target]
		m.mu.RUnlock()
		if !ok {
			if t.action != actionClose {
				slog.Warn("connmgr: target client not found", "client", t.target)
			}
			return
		}
		targets = []string{t.target}
	}

	for _, id := range targets {
		m.mu.RLock()
		conn := m.clients[id]
		m.mu.RUnlock()
		if conn == nil {
			continue
		}

		if t.action == actionSend || t.action == actionSendAndClose {
			data := t.data
			if data != "" && !strings.HasSuffix(data, "\n") {
				data += "\n"
			}
			if _, err := fmt.Fprint(conn, data); err != nil {
				slog.Error("connmgr: write failed", "client", id, "error", err)
				m.closeAndUnregister(id, conn)
				continue
			}
			slog.Debug("tcp sent", "client", id, "data", strings.TrimSpace(data))
			m.mu.RLock()
			tcpLog := m.tcpLog
			m.mu.RUnlock()
			tcpLog.AddLine("down", strings.TrimSpace(data))
		}

		if t.action == actionClose || t.action == actionSendAndClose {
			m.closeAndUnregister(id, conn)
		}
	}
}

func (m *Manager) closeAndUnregister(id string, conn net.Conn) {
	if err := conn.Close(); err != nil {
		slog.Debug("connmgr: close error", "client", id, "error", err)
	}
	m.Unregister(id)
}
