// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol implements the GRBL line-oriented wire format: ESP-log
// stripping, terminator/status/immediate-command classification, and real-time
// command detection. It does not understand GCode semantics beyond the
// handful of tokens GRBL itself emits.
package protocol

import (
	"regexp"
	"strings"
)

// grblContentRe keeps the last GRBL-shaped token in a line, discarding any
// ESP-IDF log prefix/suffix that clobbered the serial stream around it.
var grblContentRe = regexp.MustCompile(
	`(?i)(\d+\.\d+|\$.*|ok|error:\d+|ALARM:\d+|<[^>]+>|\[MSG:[^\]]+\]|Grbl\s\d+\.\d+.*)\s*$`,
)

var (
	terminatorRe = regexp.MustCompile(`(?i)^(ok|error:\d+|!!|grbl\s+\d+\.\d+.*)$`)
	immediateRe  = regexp.MustCompile(`(?i)^(\?|!|~|M0|M1|M2|M30|\x18)$`)
	statusHeadRe = regexp.MustCompile(`^<(\w+)[|,]`)
)

// CleanResponse strips ESP-log corruption from a raw serial line, returning
// the trimmed GRBL-shaped content or "" if the line carries no recognizable
// GRBL token at all.
func CleanResponse(raw string) string {
	trimmed := strings.TrimSpace(raw)
	m := grblContentRe.FindStringSubmatch(trimmed)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// IsTerminator reports whether a cleaned line is a GRBL ack/nak/banner token.
func IsTerminator(line string) bool {
	return terminatorRe.MatchString(line)
}

// IsSoftReset reports whether cmd is the 0x18 soft-reset byte.
func IsSoftReset(cmd string) bool {
	return cmd == "\x18"
}

// IsImmediate reports whether a trimmed gcode command is a real-time command
// that bypasses the character-counting buffer: ?, !, ~, M0, M1, M2, M30, 0x18.
func IsImmediate(cmd string) bool {
	return immediateRe.MatchString(strings.TrimSpace(cmd))
}

// ParseStatus extracts the leading status word from a "<W|...>" or "<W,...>"
// status report line. ok is false if line isn't a status report.
func ParseStatus(line string) (status string, ok bool) {
	m := statusHeadRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}
