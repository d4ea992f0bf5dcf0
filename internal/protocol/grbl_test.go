// SPDX-License-Identifier: AGPL-3.0-or-later
package protocol

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestCleanResponseStripsESPLog(t *testing.T) {
	cases := []struct {
		raw, want string
	}{
		{"I (123) tag: ok", "ok"},
		{"E (456) mytag: error:5", "error:5"},
		{"ok", "ok"},
		{"W (10) wifi: <Idle|MPos:0.000,0.000,0.000|FS:0,0>", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>"},
		{"some noise with no grbl token at all", ""},
		{"I (789) boot: Grbl 1.1h ['$' for help]", "Grbl 1.1h ['$' for help]"},
		{"[MSG:Pgm End]", "[MSG:Pgm End]"},
		{"$110=500.000", "$110=500.000"},
	}
	for _, c := range cases {
		if got := CleanResponse(c.raw); got != c.want {
			t.Errorf("CleanResponse(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestIsTerminator(t *testing.T) {
	for _, line := range []string{"ok", "OK", "error:9", "!!", "Grbl 1.1h ['$' for help]"} {
		if !IsTerminator(line) {
			t.Errorf("expected %q to be a terminator", line)
		}
	}
	for _, line := range []string{"<Idle|MPos:0,0,0>", "[MSG:foo]", ""} {
		if IsTerminator(line) {
			t.Errorf("did not expect %q to be a terminator", line)
		}
	}
}

func TestIsImmediate(t *testing.T) {
	for _, cmd := range []string{"?", "!", "~", "M0", "m1", "M2", "M30", "\x18"} {
		if !IsImmediate(cmd) {
			t.Errorf("expected %q to be immediate", cmd)
		}
	}
	for _, cmd := range []string{"G0 X1", "$H", "$X"} {
		if IsImmediate(cmd) {
			t.Errorf("did not expect %q to be immediate", cmd)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		line   string
		status string
		ok     bool
	}{
		{"<Idle|MPos:3.000,3.000,0.000|FS:0,0>", "Idle", true},
		{"<Run,MPos:0.000,0.000,0.000,WPos:0.000,0.000,0.000>", "Run", true},
		{"ok", "", false},
	}
	for _, c := range cases {
		status, ok := ParseStatus(c.line)
		if ok != c.ok || status != c.status {
			t.Errorf("ParseStatus(%q) = (%q, %v), want (%q, %v)", c.line, status, ok, c.status, c.ok)
		}
	}
}

// TestCleanResponseNeverPanics is a property test in the teacher's style
// (pgregory.net/rapid, as used in ts_db_test.go): any input string must be
// handled without panicking, and a line cleaned twice is idempotent.
func TestCleanResponseNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		cleaned := CleanResponse(raw)
		again := CleanResponse(cleaned)
		if cleaned != "" && again != cleaned {
			t.Fatalf("CleanResponse not idempotent: %q -> %q -> %q", raw, cleaned, again)
		}
	})
}

func TestCleanResponsePreservesKnownTokens(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		token := rapid.SampledFrom([]string{"ok", "error:1", "error:33", "ALARM:9"}).Draw(t, "token")
		noise := rapid.StringMatching(`[A-Za-z0-9 ()]{0,20}`).Draw(t, "noise")
		raw := fmt.Sprintf("%s %s", noise, token)
		if got := CleanResponse(raw); got != token {
			t.Fatalf("CleanResponse(%q) = %q, want %q", raw, got, token)
		}
	})
}
