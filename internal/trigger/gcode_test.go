// SPDX-License-Identifier: AGPL-3.0-or-later
package trigger

import "testing"

func mustCompile(t *testing.T, cfgs []GCodeConfig) *GCodeTable {
	t.Helper()
	tbl, err := CompileGCode(cfgs)
	if err != nil {
		t.Fatalf("CompileGCode: %v", err)
	}
	return tbl
}

func TestBuildTasksNoMatchForwardsGCode(t *testing.T) {
	tbl := mustCompile(t, nil)
	tasks := tbl.BuildTasks("G0 X1", "Idle", "client-a")
	if len(tasks) != 1 || tasks[0].GCode == nil || tasks[0].Shell != nil {
		t.Fatalf("expected single forwarded GCode task, got %+v", tasks)
	}
	if tasks[0].GCode.Line != "G0 X1\n" {
		t.Errorf("Line = %q", tasks[0].GCode.Line)
	}
}

func TestBuildTasksForwardBehaviorEmitsGCodeThenShell(t *testing.T) {
	tbl := mustCompile(t, []GCodeConfig{
		{ID: "t1", Match: "^M3", Behavior: Forward, Synchronize: true, Command: "echo spindle-on"},
	})
	tasks := tbl.BuildTasks("M3 S1000", "Idle", "client-a")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(tasks), tasks)
	}
	if tasks[0].GCode == nil || tasks[0].GCode.ShouldRespond() != true {
		t.Errorf("expected first task to be a responding GCode task")
	}
	if tasks[1].Shell == nil || tasks[1].Shell.ShouldRespond() != false {
		t.Errorf("expected second task to be a non-responding shell task")
	}
	if !tasks[1].WaitForIdle {
		t.Errorf("expected WaitForIdle to follow trigger.synchronize=true")
	}
}

func TestBuildTasksCaptureBehaviorEmitsOnlyShell(t *testing.T) {
	tbl := mustCompile(t, []GCodeConfig{
		{ID: "t1", Match: "^M117", Behavior: Capture, Synchronize: false, Command: "echo msg"},
	})
	tasks := tbl.BuildTasks("M117 hi", "Idle", "client-a")
	if len(tasks) != 1 || tasks[0].GCode != nil || tasks[0].Shell == nil {
		t.Fatalf("expected single shell task, got %+v", tasks)
	}
	if !tasks[0].Shell.ShouldRespond() {
		t.Errorf("expected Capture's shell task to respond to client")
	}
}

func TestBuildTasksCaptureNoWaitNeverWaits(t *testing.T) {
	tbl := mustCompile(t, []GCodeConfig{
		{ID: "t1", Match: "^M117", Behavior: CaptureNoWait, Synchronize: true, Command: "echo msg"},
	})
	tasks := tbl.BuildTasks("M117 hi", "Idle", "client-a")
	if len(tasks) != 1 || tasks[0].WaitForIdle {
		t.Fatalf("expected a single non-waiting task, got %+v", tasks)
	}
}

func TestBuildTasksHonorsStateRestriction(t *testing.T) {
	tbl := mustCompile(t, []GCodeConfig{
		{ID: "t1", Match: "^M3", Behavior: Capture, State: "Idle", Command: "echo x"},
	})
	if tasks := tbl.BuildTasks("M3", "Run", "c"); len(tasks) != 1 || tasks[0].Shell != nil {
		t.Errorf("expected trigger to be skipped when state doesn't match, got %+v", tasks)
	}
	if tasks := tbl.BuildTasks("M3", "Idle", "c"); len(tasks) != 1 || tasks[0].Shell == nil {
		t.Errorf("expected trigger to fire when state matches, got %+v", tasks)
	}
}

func TestBuildTasksMultipleMatchesPreserveConfigOrder(t *testing.T) {
	tbl := mustCompile(t, []GCodeConfig{
		{ID: "first", Match: "^G", Behavior: Capture, Command: "echo first"},
		{ID: "second", Match: "^G", Behavior: Capture, Command: "echo second"},
	})
	tasks := tbl.BuildTasks("G0 X1", "Idle", "c")
	if len(tasks) != 2 || tasks[0].Shell.ID != "first" || tasks[1].Shell.ID != "second" {
		t.Fatalf("expected config-ordered tasks, got %+v", tasks)
	}
}

func TestParseBehaviorDefaultsToCapture(t *testing.T) {
	if ParseBehavior("bogus") != Capture {
		t.Errorf("expected unrecognized behavior to default to Capture")
	}
	if ParseBehavior("forward") != Forward {
		t.Errorf("expected 'forward' to parse as Forward")
	}
}
