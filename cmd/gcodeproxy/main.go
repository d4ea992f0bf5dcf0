// SPDX-License-Identifier: AGPL-3.0-or-later

// Command gcodeproxy runs the GRBL serial<->TCP proxy: a cobra CLI wiring
// flags, environment, and config file into internal/config.Load, then
// starting internal/service.Service until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gcode-proxy/internal/applog"
	"gcode-proxy/internal/config"
	"gcode-proxy/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configFile string
	dryRun     bool
	verbose    int
	quiet      bool
	generate   string

	port              int
	address           string
	queueLimit        int
	usbID             string
	devPath           string
	baudRate          int
	serialDelayMS     float64
	responseTimeoutMS float64
	livenessPeriodMS  float64
	swallowRealtimeOK bool
	gcodeLogFile      string
	tcpLogFile        string
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "gcodeproxy",
		Short: "Proxy a GRBL serial device to TCP clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	pf := cmd.Flags()
	pf.StringVar(&f.configFile, "config", "", "path to config YAML (default $GCODE_PROXY_CONFIG or ~/.config/gcode-proxy/config.yaml)")
	pf.BoolVar(&f.dryRun, "dry-run", false, "run without a serial device: acks every command immediately")
	pf.CountVarP(&f.verbose, "verbose", "v", "increase log verbosity (-v for verbose, -vv for debug)")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "suppress all but warnings and errors")
	pf.StringVar(&f.generate, "generate-config", "", "write the effective config to this path and exit")

	pf.IntVar(&f.port, "port", 0, "TCP listen port")
	pf.StringVar(&f.address, "address", "", "TCP listen address")
	pf.IntVar(&f.queueLimit, "queue-limit", 0, "pending task queue bound")
	pf.StringVarP(&f.usbID, "usb-id", "d", "", "serial device USB vendor:product id (hex), mutually exclusive with --dev")
	pf.StringVar(&f.devPath, "dev", "", "serial device path, mutually exclusive with --usb-id")
	pf.IntVar(&f.baudRate, "baud-rate", 0, "serial baud rate")
	pf.Float64Var(&f.serialDelayMS, "serial-delay", 0, "delay after opening the serial port, in milliseconds")
	pf.Float64Var(&f.responseTimeoutMS, "response-timeout", 0, "time to wait for a device response, in milliseconds")
	pf.Float64Var(&f.livenessPeriodMS, "liveness-period", 0, "interval between idle liveness pings, in milliseconds (0 disables)")
	pf.BoolVar(&f.swallowRealtimeOK, "swallow-realtime-ok", false, "swallow one extra ok per liveness ping sent")
	pf.StringVar(&f.gcodeLogFile, "gcode-log-file", "", "append every serial up/down line to this file")
	pf.StringVar(&f.tcpLogFile, "tcp-log-file", "", "append every TCP up/down line to this file")

	return cmd
}

// cliArgs turns only the flags the user actually set into config.CLIArgs
// overrides, so unset flags fall through to the config file/defaults.
func cliArgs(cmd *cobra.Command, f *flags) config.CLIArgs {
	var out config.CLIArgs
	changed := cmd.Flags().Changed

	if changed("port") {
		out.Port = &f.port
	}
	if changed("address") {
		out.Address = &f.address
	}
	if changed("queue-limit") {
		out.QueueLimit = &f.queueLimit
	}
	if changed("usb-id") {
		out.USBID = &f.usbID
	}
	if changed("dev") {
		out.DevPath = &f.devPath
	}
	if changed("baud-rate") {
		out.BaudRate = &f.baudRate
	}
	if changed("serial-delay") {
		out.SerialDelayMS = &f.serialDelayMS
	}
	if changed("response-timeout") {
		out.ResponseTimeoutMS = &f.responseTimeoutMS
	}
	if changed("liveness-period") {
		out.LivenessPeriodMS = &f.livenessPeriodMS
	}
	if changed("swallow-realtime-ok") {
		out.SwallowRealtimeOK = &f.swallowRealtimeOK
	}
	if changed("gcode-log-file") {
		out.GCodeLogFile = &f.gcodeLogFile
	}
	if changed("tcp-log-file") {
		out.TCPLogFile = &f.tcpLogFile
	}
	return out
}

func run(cmd *cobra.Command, f *flags) error {
	applog.Setup(f.verbose, f.quiet)

	cfg, err := config.Load(f.configFile, cliArgs(cmd, f), f.dryRun)
	if err != nil {
		return err
	}

	if f.generate != "" {
		if err := config.Save(cfg, f.generate); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote config to %s\n", f.generate)
		return nil
	}

	svc, err := service.New(cfg, f.dryRun)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.dryRun {
		slog.Info("starting in dry-run mode: no serial device will be opened")
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	return nil
}
