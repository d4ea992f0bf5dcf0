// SPDX-License-Identifier: AGPL-3.0-or-later
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrDeviceNotFound is returned by a single discovery attempt when neither
// a matching USB device nor dev_path is currently present. It is not
// returned by realPortOpener.Open, which polls until found or ctx is done.
type ErrDeviceNotFound struct {
	USBID   string
	DevPath string
}

func (e *ErrDeviceNotFound) Error() string {
	if e.USBID != "" {
		return fmt.Sprintf("USB device %q not found", e.USBID)
	}
	return fmt.Sprintf("device path %q not found", e.DevPath)
}

// realPortOpener resolves Config against go.bug.st/serial, polling until
// a matching port appears or ctx is canceled.
type realPortOpener struct{}

func (realPortOpener) Open(ctx context.Context, cfg Config) (serialPort, error) {
	var lastAvailable string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		path, err := resolvePath(cfg.USBID, cfg.DevPath, &lastAvailable)
		if err == nil {
			mode := &serial.Mode{BaudRate: cfg.BaudRate}
			port, openErr := serial.Open(path, mode)
			if openErr == nil {
				return port, nil
			}
			err = openErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.DiscoveryPollInterval):
		}
		_ = err
	}
}

// resolvePath finds the device path for cfg.USBID (by VID:PID) or verifies
// cfg.DevPath exists. lastAvailable tracks the last-logged port set so
// discovery failures log only on change, not on every poll tick.
func resolvePath(usbID, devPath string, lastAvailable *string) (string, error) {
	if devPath != "" {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return "", err
		}
		for _, p := range ports {
			if p.Name == devPath {
				return devPath, nil
			}
		}
		return "", &ErrDeviceNotFound{DevPath: devPath}
	}

	wantVID, wantPID, err := parseUSBID(usbID)
	if err != nil {
		return "", err
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}

	var available []string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		available = append(available, fmt.Sprintf("%s (VID:PID=%s:%s)", p.Name, p.VID, p.PID))

		gotVID, gotPID, err := parseUSBID(p.VID + ":" + p.PID)
		if err != nil {
			continue
		}
		if gotVID == wantVID && gotPID == wantPID {
			slog.Debug("found device by usb id", "usb_id", usbID, "port", p.Name)
			return p.Name, nil
		}
	}

	seen := strings.Join(available, ", ")
	if seen != *lastAvailable {
		slog.Debug("device not found, available usb serial devices", "usb_id", usbID, "available", seen)
		*lastAvailable = seen
	}
	return "", &ErrDeviceNotFound{USBID: usbID}
}

func parseUSBID(usbID string) (vid, pid int, err error) {
	parts := strings.SplitN(strings.ToLower(usbID), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid USB ID format %q, expected vendor:product", usbID)
	}
	v, err := strconv.ParseInt(parts[0], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB ID format %q: %w", usbID, err)
	}
	p, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB ID format %q: %w", usbID, err)
	}
	return int(v), int(p), nil
}
