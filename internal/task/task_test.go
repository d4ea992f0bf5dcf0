// SPDX-License-Identifier: AGPL-3.0-or-later
package task

import (
	"context"
	"testing"
)

func TestNewGCodeAppendsNewline(t *testing.T) {
	g := NewGCode("G0 X1", "client-a", true)
	if g.Line != "G0 X1\n" {
		t.Errorf("Line = %q, want %q", g.Line, "G0 X1\n")
	}
	if g.CharCount != len("G0 X1\n") {
		t.Errorf("CharCount = %d, want %d", g.CharCount, len("G0 X1\n"))
	}
}

func TestNewGCodePreservesExistingNewline(t *testing.T) {
	g := NewGCode("G0 X1\n", "client-a", true)
	if g.Line != "G0 X1\n" {
		t.Errorf("Line = %q, want %q", g.Line, "G0 X1\n")
	}
	if g.CharCount != 6 {
		t.Errorf("CharCount = %d, want 6", g.CharCount)
	}
}

func TestNewGCodeEmptyLine(t *testing.T) {
	g := NewGCode("", "client-a", false)
	if g.Line != "" || g.CharCount != 0 {
		t.Errorf("expected empty line and zero CharCount, got %q/%d", g.Line, g.CharCount)
	}
}

func TestGCodeImplementsTask(t *testing.T) {
	g := NewGCode("G0", "client-a", true)
	var tsk Task = g
	if tsk.ClientID() != "client-a" || !tsk.ShouldRespond() {
		t.Errorf("unexpected Task view of GCode: %+v", g)
	}
}

func TestShellExecuteSuccess(t *testing.T) {
	s := NewShell("sh1", "echo hello", "client-a", true)
	ok, out := s.Execute(context.Background())
	if !ok {
		t.Fatalf("expected success, got failure: %s", out)
	}
	if out != "hello" {
		t.Errorf("output = %q, want %q", out, "hello")
	}
}

func TestShellExecuteFailure(t *testing.T) {
	s := NewShell("sh2", "echo oops 1>&2; exit 3", "client-a", true)
	ok, out := s.Execute(context.Background())
	if ok {
		t.Fatalf("expected failure, got success")
	}
	if out != "oops" {
		t.Errorf("output = %q, want %q", out, "oops")
	}
}

func TestShellImplementsTask(t *testing.T) {
	s := NewShell("sh3", "true", "client-b", false)
	var tsk Task = s
	if tsk.ClientID() != "client-b" || tsk.ShouldRespond() {
		t.Errorf("unexpected Task view of Shell: %+v", s)
	}
}
