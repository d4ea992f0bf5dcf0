// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service wires the whole proxy together: config -> device (GRBL or
// dry-run) -> connection manager -> trigger engine -> TCP server, exposing
// a single Start/Stop lifecycle. Grounded on original_source/core/service.py.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gcode-proxy/internal/config"
	"gcode-proxy/internal/connmgr"
	"gcode-proxy/internal/device"
	"gcode-proxy/internal/payloadlog"
	"gcode-proxy/internal/server"
	"gcode-proxy/internal/trigger"
)

// deviceEngine is the subset server.Device plus lifecycle that both
// device.Engine and device.DryRunEngine satisfy.
type deviceEngine interface {
	server.Device
	Start(ctx context.Context) error
	Stop()
}

// Service owns every long-lived component's lifecycle.
type Service struct {
	cfg    config.Config
	dryRun bool

	conns    *connmgr.Manager
	dev      deviceEngine
	srv      *server.Server
	states   *trigger.StateTable
	gcodeLog *payloadlog.Logger
	tcpLog   *payloadlog.Logger

	mu       sync.Mutex
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Service from cfg without starting anything.
func New(cfg config.Config, dryRun bool) (*Service, error) {
	triggerCfg, err := trigger.ParseConfig(cfg.CustomTriggers)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	stateTable, err := trigger.CompileState(triggerCfg.State)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	var gcodeTable *trigger.GCodeTable
	if len(triggerCfg.GCode) > 0 {
		gcodeTable, err = trigger.CompileGCode(triggerCfg.GCode)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
	}

	conns := connmgr.New()
	gcodeLog := payloadlog.Open(cfg.GCodeLogFile)
	tcpLog := payloadlog.Open(cfg.TCPLogFile)
	conns.SetPayloadLog(tcpLog)

	var dev deviceEngine
	if dryRun {
		dev = device.NewDryRun(cfg.Server.QueueLimit, conns, stateTable)
	} else {
		engine := device.New(device.Config{
			USBID:               cfg.Device.USBID,
			DevPath:             cfg.Device.DevPath,
			BaudRate:            cfg.Device.BaudRate,
			QueueSize:           cfg.Server.QueueLimit,
			InitializationDelay: cfg.Device.SerialDelay,
			LivenessPeriod:      cfg.Device.LivenessPeriod,
			SwallowRealtimeOK:   cfg.Device.SwallowRealtimeOK,
		}, conns, stateTable)
		engine.SetPayloadLog(gcodeLog)
		dev = engine
	}

	srv := server.New(server.Config{
		Address: cfg.Server.Address,
		Port:    cfg.Server.Port,
	}, conns, dev, gcodeTable)
	srv.SetPayloadLog(tcpLog)

	return &Service{
		cfg:      cfg,
		dryRun:   dryRun,
		conns:    conns,
		dev:      dev,
		srv:      srv,
		states:   stateTable,
		gcodeLog: gcodeLog,
		tcpLog:   tcpLog,
	}, nil
}

// Start runs the device engine and TCP server until ctx is canceled or Stop
// is called. It blocks until both have shut down.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dev.Start(runCtx); err != nil {
			slog.Error("device engine stopped with error", "error", err)
		}
	}()

	err := s.srv.ListenAndServe(runCtx)

	cancel()
	s.dev.Stop()
	s.wg.Wait()
	s.conns.CloseAll()
	s.conns.Shutdown()
	s.gcodeLog.Close()
	s.tcpLog.Close()

	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}

// Stop idempotently signals Start to unwind.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = s.srv.Close()
	})
}
