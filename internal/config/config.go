// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads gcode-proxy's YAML configuration, applying
// precedence environment variables > CLI flags > config file > defaults.
// Both hyphenated and underscore-spelled keys are accepted at every level,
// matching original_source/core/config.py's Config.load.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"gcode-proxy/internal/trigger"
)

// Environment variable names, matching original_source/core/config.py.
const (
	envServerPort         = "SERVER_PORT"
	envServerAddress      = "SERVER_ADDRESS"
	envServerQueueLimit   = "SERVER_QUEUE_LIMIT"
	envDeviceUSBID        = "DEVICE_USB_ID"
	envDeviceDevPath      = "DEVICE_DEV_PATH"
	envDeviceBaudRate     = "DEVICE_BAUD_RATE"
	envDeviceSerialDelay  = "DEVICE_SERIAL_DELAY"
	envDeviceResponseTime = "DEVICE_RESPONSE_TIMEOUT"
	envDeviceLivenessPd   = "DEVICE_LIVENESS_PERIOD"
	envDeviceSwallowOK    = "DEVICE_SWALLOW_REALTIME_OK"
	envGCodeLogFile       = "GCODE_LOG_FILE"
	envTCPLogFile         = "TCP_LOG_FILE"

	// EnvConfigFile names the env var that overrides the config file path.
	EnvConfigFile = "GCODE_PROXY_CONFIG"
)

// ServerConfig holds the TCP listener's settings.
type ServerConfig struct {
	Port       int
	Address    string
	QueueLimit int
}

// DeviceConfig holds the GRBL device's settings. Exactly one of USBID/DevPath
// is expected to be set, unless dry-run mode skips validation entirely.
type DeviceConfig struct {
	USBID             string
	DevPath           string
	BaudRate          int
	SerialDelay       time.Duration
	ResponseTimeout   time.Duration
	LivenessPeriod    time.Duration
	SwallowRealtimeOK bool
}

// Config is the full, merged configuration.
type Config struct {
	Server         ServerConfig
	Device         DeviceConfig
	GCodeLogFile   string
	TCPLogFile     string
	CustomTriggers []trigger.Entry
}

// Defaults returns a Config populated with spec.md's stated defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       8080,
			Address:    "0.0.0.0",
			QueueLimit: 50,
		},
		Device: DeviceConfig{
			BaudRate:          115200,
			SerialDelay:       100 * time.Millisecond,
			ResponseTimeout:   30000 * time.Millisecond,
			LivenessPeriod:    1000 * time.Millisecond,
			SwallowRealtimeOK: true,
		},
	}
}

// DefaultConfigPath is $HOME/.config/gcode-proxy/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "gcode-proxy", "config.yaml")
}

// CLIArgs carries the subset of CLI flags that override config file values;
// a nil pointer means "flag not set, don't override".
type CLIArgs struct {
	Port              *int
	Address           *string
	QueueLimit        *int
	USBID             *string
	DevPath           *string
	BaudRate          *int
	SerialDelayMS     *float64
	ResponseTimeoutMS *float64
	LivenessPeriodMS  *float64
	SwallowRealtimeOK *bool
	GCodeLogFile      *string
	TCPLogFile        *string
}

// Load builds a Config from all sources in precedence order: defaults,
// config file, CLI args, then environment variables. configFile resolves
// via EnvConfigFile then DefaultConfigPath when empty. Device validation
// (usb-id or path required) is skipped when skipDeviceValidation is set,
// for dry-run mode.
func Load(configFile string, cli CLIArgs, skipDeviceValidation bool) (Config, error) {
	if configFile == "" {
		if v, ok := os.LookupEnv(EnvConfigFile); ok {
			configFile = v
		} else {
			configFile = DefaultConfigPath()
		}
	}

	cfg, err := loadFromFile(configFile)
	if err != nil {
		return Config{}, err
	}

	applyCLI(&cfg, cli)
	applyEnv(&cfg)

	if !skipDeviceValidation {
		if err := validate(cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Device.USBID == "" && cfg.Device.DevPath == "" {
		return errors.New(
			"either usb-id or device path is required but not set; provide one via:\n" +
				"  USB ID: env DEVICE_USB_ID, flag --usb-id, or config device.usb-id\n" +
				"  device path: env DEVICE_DEV_PATH, flag --dev, or config device.path")
	}
	if cfg.Device.USBID != "" && cfg.Device.DevPath != "" {
		return errors.New("usb-id and device path are mutually exclusive; set only one")
	}
	return nil
}

// loadFromFile parses configFile if it exists; a missing file is not an
// error (Defaults() is returned as-is), matching the original's silent
// fallback.
func loadFromFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if raw == nil {
		return cfg, nil
	}

	if server, ok := subMap(raw, "server"); ok {
		if v, ok := pickInt(server, "port"); ok {
			cfg.Server.Port = v
		}
		if v, ok := pickString(server, "address"); ok {
			cfg.Server.Address = v
		}
		if v, ok := pickInt(server, "queue-limit", "queue_limit"); ok {
			cfg.Server.QueueLimit = v
		}
	}

	if device, ok := subMap(raw, "device"); ok {
		if v, ok := pickString(device, "usb-id", "usb_id"); ok {
			cfg.Device.USBID = v
		}
		if v, ok := pickString(device, "path"); ok {
			cfg.Device.DevPath = v
		}
		if v, ok := pickInt(device, "baud-rate", "baud_rate"); ok {
			cfg.Device.BaudRate = v
		}
		if v, ok := pickFloat(device, "serial-delay", "serial_delay"); ok {
			cfg.Device.SerialDelay = msDuration(v)
		}
		if v, ok := pickFloat(device, "response-timeout", "response_timeout"); ok {
			cfg.Device.ResponseTimeout = msDuration(v)
		}
		if v, ok := pickFloat(device, "liveness-period", "liveness_period"); ok {
			cfg.Device.LivenessPeriod = msDuration(v)
		}
		if v, ok := pickBool(device, "swallow-realtime-ok", "swallow_realtime_ok"); ok {
			cfg.Device.SwallowRealtimeOK = v
		}
	}

	if v, ok := pickString(raw, "gcode-log-file", "gcode_log_file"); ok {
		cfg.GCodeLogFile = v
	}
	if v, ok := pickString(raw, "tcp-log-file", "tcp_log_file"); ok {
		cfg.TCPLogFile = v
	}

	if triggersRaw, ok := pick(raw, "custom-triggers", "custom_triggers"); ok {
		entries, err := decodeTriggers(triggersRaw)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: custom-triggers: %w", path, err)
		}
		cfg.CustomTriggers = entries
	}

	return cfg, nil
}

func decodeTriggers(raw any) ([]trigger.Entry, error) {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var entries []trigger.Entry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func applyCLI(cfg *Config, cli CLIArgs) {
	if cli.Port != nil {
		cfg.Server.Port = *cli.Port
	}
	if cli.Address != nil {
		cfg.Server.Address = *cli.Address
	}
	if cli.QueueLimit != nil {
		cfg.Server.QueueLimit = *cli.QueueLimit
	}
	if cli.USBID != nil {
		cfg.Device.USBID = *cli.USBID
	}
	if cli.DevPath != nil {
		cfg.Device.DevPath = *cli.DevPath
	}
	if cli.BaudRate != nil {
		cfg.Device.BaudRate = *cli.BaudRate
	}
	if cli.SerialDelayMS != nil {
		cfg.Device.SerialDelay = msDuration(*cli.SerialDelayMS)
	}
	if cli.ResponseTimeoutMS != nil {
		cfg.Device.ResponseTimeout = msDuration(*cli.ResponseTimeoutMS)
	}
	if cli.LivenessPeriodMS != nil {
		cfg.Device.LivenessPeriod = msDuration(*cli.LivenessPeriodMS)
	}
	if cli.SwallowRealtimeOK != nil {
		cfg.Device.SwallowRealtimeOK = *cli.SwallowRealtimeOK
	}
	if cli.GCodeLogFile != nil {
		cfg.GCodeLogFile = *cli.GCodeLogFile
	}
	if cli.TCPLogFile != nil {
		cfg.TCPLogFile = *cli.TCPLogFile
	}
}

func applyEnv(cfg *Config) {
	if v, ok := envInt(envServerPort); ok {
		cfg.Server.Port = v
	}
	if v, ok := os.LookupEnv(envServerAddress); ok {
		cfg.Server.Address = v
	}
	if v, ok := envInt(envServerQueueLimit); ok {
		cfg.Server.QueueLimit = v
	}
	if v, ok := os.LookupEnv(envDeviceUSBID); ok {
		cfg.Device.USBID = v
	}
	if v, ok := os.LookupEnv(envDeviceDevPath); ok {
		cfg.Device.DevPath = v
	}
	if v, ok := envInt(envDeviceBaudRate); ok {
		cfg.Device.BaudRate = v
	}
	if v, ok := envFloat(envDeviceSerialDelay); ok {
		cfg.Device.SerialDelay = msDuration(v)
	}
	if v, ok := envFloat(envDeviceResponseTime); ok {
		cfg.Device.ResponseTimeout = msDuration(v)
	}
	if v, ok := envFloat(envDeviceLivenessPd); ok {
		cfg.Device.LivenessPeriod = msDuration(v)
	}
	if v, ok := os.LookupEnv(envDeviceSwallowOK); ok {
		cfg.Device.SwallowRealtimeOK = v == "true" || v == "1" || v == "yes"
	}
	if v, ok := os.LookupEnv(envGCodeLogFile); ok {
		cfg.GCodeLogFile = v
	}
	if v, ok := os.LookupEnv(envTCPLogFile); ok {
		cfg.TCPLogFile = v
	}
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func subMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]any)
	return sub, ok
}

func pick(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func pickString(m map[string]any, keys ...string) (string, bool) {
	v, ok := pick(m, keys...)
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

func pickBool(m map[string]any, keys ...string) (bool, bool) {
	v, ok := pick(m, keys...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func pickInt(m map[string]any, keys ...string) (int, bool) {
	v, ok := pick(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func pickFloat(m map[string]any, keys ...string) (float64, bool) {
	v, ok := pick(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
