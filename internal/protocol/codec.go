// SPDX-License-Identifier: AGPL-3.0-or-later
package protocol

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"unicode"
)

// ResponseQueueSize bounds the codec's cleaned-line buffer. Overflow drops
// the oldest line with a warning, matching the teacher's storage/log
// ring-buffer behavior.
const ResponseQueueSize = 1000

// ErrNonASCII is returned by Write when asked to send a byte outside the
// 7-bit ASCII range; GRBL is an ASCII protocol and sending anything else is a
// programming error the caller must surface cleanly rather than silently
// mangle on the wire.
var ErrNonASCII = errors.New("protocol: command contains non-ASCII byte")

// LineCodec frames a raw serial stream into cleaned, non-empty GRBL lines.
type LineCodec struct {
	rw     io.ReadWriter
	reader *bufio.Reader
	lines  chan string
}

// NewLineCodec wraps rw (typically a go.bug.st/serial.Port) for line framing.
func NewLineCodec(rw io.ReadWriter) *LineCodec {
	return &LineCodec{
		rw:     rw,
		reader: bufio.NewReader(rw),
		lines:  make(chan string, ResponseQueueSize),
	}
}

// Lines returns the channel of cleaned, non-empty response lines.
func (c *LineCodec) Lines() <-chan string {
	return c.lines
}

// ReadLoop blocks reading lines from the underlying reader, cleans each one,
// and pushes non-empty results onto Lines(). It returns when the reader
// returns a non-nil error (port closed or vanished).
func (c *LineCodec) ReadLoop() error {
	for {
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return err
		}

		if !isASCII(raw) {
			slog.Debug("dropped non-ASCII serial line", "raw", raw)
			continue
		}

		cleaned := CleanResponse(raw)
		if cleaned == "" {
			continue
		}

		select {
		case c.lines <- cleaned:
		default:
			// Response queue full: drop oldest, then push.
			select {
			case old := <-c.lines:
				slog.Warn("response queue overflow, dropping oldest line", "dropped", old)
			default:
			}
			select {
			case c.lines <- cleaned:
			default:
			}
		}
	}
}

// Write sends a single already-newline-terminated (or not) command verbatim.
// Returns ErrNonASCII without writing anything if the payload contains a
// non-ASCII byte.
func (c *LineCodec) Write(cmd string) error {
	if !isASCII(cmd) {
		return ErrNonASCII
	}
	_, err := io.WriteString(c.rw, cmd)
	return err
}

// Drain discards any buffered input without blocking, used right after
// connect to flush startup noise.
func (c *LineCodec) Drain() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
