// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes cfg to path (DefaultConfigPath if empty) as hyphenated YAML,
// creating parent directories as needed. Used by --generate-config.
func Save(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}

	data := map[string]any{
		"server": map[string]any{
			"port":        cfg.Server.Port,
			"address":     cfg.Server.Address,
			"queue-limit": cfg.Server.QueueLimit,
		},
		"device": deviceYAML(cfg.Device),
	}
	if cfg.GCodeLogFile != "" {
		data["gcode-log-file"] = cfg.GCodeLogFile
	}
	if cfg.TCPLogFile != "" {
		data["tcp-log-file"] = cfg.TCPLogFile
	}
	if len(cfg.CustomTriggers) > 0 {
		data["custom-triggers"] = cfg.CustomTriggers
	}

	out, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func deviceYAML(d DeviceConfig) map[string]any {
	out := map[string]any{
		"baud-rate":           d.BaudRate,
		"serial-delay":        float64(d.SerialDelay / 1_000_000),
		"response-timeout":    float64(d.ResponseTimeout / 1_000_000),
		"liveness-period":     float64(d.LivenessPeriod / 1_000_000),
		"swallow-realtime-ok": d.SwallowRealtimeOK,
	}
	if d.USBID != "" {
		out["usb-id"] = d.USBID
	}
	if d.DevPath != "" {
		out["path"] = d.DevPath
	}
	return out
}
