// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger compiles regex-matched GCode interception and debounced
// device-state reaction rules into the Task lists the device engine drains.
package trigger

import "fmt"

// Behavior controls whether a matched GCode trigger's gcode is forwarded to
// the device, and whether its shell command blocks the client's response.
type Behavior string

const (
	Forward       Behavior = "forward"
	Capture       Behavior = "capture"
	CaptureNoWait Behavior = "capture-nowait"
)

// ParseBehavior maps a config string to a Behavior, defaulting to Capture
// for anything unrecognized (matching original_source's from_string).
func ParseBehavior(s string) Behavior {
	switch Behavior(s) {
	case Forward, Capture, CaptureNoWait:
		return Behavior(s)
	default:
		return Capture
	}
}

// GCodeConfig is the parsed form of a "type: gcode" custom-trigger entry.
type GCodeConfig struct {
	ID          string
	Match       string
	Synchronize bool
	Behavior    Behavior
	State       string // empty means unrestricted
	Command     string
}

// StateConfig is the parsed form of a "type: state" custom-trigger entry.
type StateConfig struct {
	ID      string
	Match   string
	Delay   float64 // seconds
	Command string
}

// Config is the top-level custom-triggers list as loaded from YAML: each
// entry names exactly one of GCode or State.
type Config struct {
	GCode []GCodeConfig
	State []StateConfig
}

// Entry mirrors the YAML shape of a single custom-triggers list item, so
// internal/config can unmarshal directly into it:
//
//	- id: str
//	  command: str
//	  trigger: { type: gcode|state, match: regex, ... }
type Entry struct {
	ID      string     `yaml:"id"`
	Command string     `yaml:"command"`
	Trigger RawTrigger `yaml:"trigger"`
}

// RawTrigger is the YAML shape of an Entry's "trigger" field, covering both
// GCodeTrigger and StateTrigger.
type RawTrigger struct {
	Type        string  `yaml:"type"`
	Match       string  `yaml:"match"`
	Synchronize *bool   `yaml:"synchronize"`
	Behavior    string  `yaml:"behavior"`
	State       string  `yaml:"state"`
	Delay       float64 `yaml:"delay"`
}

// ParseConfig validates and splits a raw custom-triggers list into the
// GCode and State tables. Errors name the offending trigger id.
func ParseConfig(entries []Entry) (Config, error) {
	var cfg Config
	for _, e := range entries {
		if e.ID == "" {
			return Config{}, fmt.Errorf("trigger: 'id' is required")
		}
		if e.Command == "" {
			return Config{}, fmt.Errorf("trigger '%s': 'command' is required", e.ID)
		}
		if e.Trigger.Match == "" {
			return Config{}, fmt.Errorf("trigger '%s': 'match' pattern is required", e.ID)
		}

		switch e.Trigger.Type {
		case "gcode":
			sync := true
			if e.Trigger.Synchronize != nil {
				sync = *e.Trigger.Synchronize
			}
			cfg.GCode = append(cfg.GCode, GCodeConfig{
				ID:          e.ID,
				Match:       e.Trigger.Match,
				Synchronize: sync,
				Behavior:    ParseBehavior(e.Trigger.Behavior),
				State:       e.Trigger.State,
				Command:     e.Command,
			})
		case "state":
			if e.Trigger.Delay < 0 {
				return Config{}, fmt.Errorf("trigger '%s': delay must be non-negative", e.ID)
			}
			cfg.State = append(cfg.State, StateConfig{
				ID:      e.ID,
				Match:   e.Trigger.Match,
				Delay:   e.Trigger.Delay,
				Command: e.Command,
			})
		default:
			return Config{}, fmt.Errorf("trigger '%s': unsupported trigger type %q", e.ID, e.Trigger.Type)
		}
	}
	return cfg, nil
}
