package dispatch

import (
	"strings"
	"testing"
)

func TestLoad_EmbeddedTablesAreValid(t *testing.T) {
	table, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, name := range []string{
		"automat_on_air",
		"studio_X_on_air",
		"studio_X_on_air_immediate_state",
		"studio_X_on_air_immediate_release",
		"studio_X_on_air_studio_Y_takeover_request",
		"noop",
	} {
		if _, ok := table.State(name); !ok {
			t.Errorf("expected declared state %q", name)
		}
	}

	timerNames := map[string]bool{}
	for _, tm := range table.Timers() {
		timerNames[tm.Name] = true
		if tm.Timeout <= 0 {
			t.Errorf("timer %q has non-positive timeout %v", tm.Name, tm.Timeout)
		}
	}
	for _, want := range []string{"immediate_state", "immediate_release"} {
		if !timerNames[want] {
			t.Errorf("expected declared timer %q, got %v", want, timerNames)
		}
	}

	if _, ok := table.Transition("automat_on_air", "takeover_X"); !ok {
		t.Errorf("expected transition takeover_X from automat_on_air")
	}
	if _, ok := table.Transition("automat_on_air", "takeover_other"); ok {
		t.Errorf("takeover_other should not be declared from automat_on_air")
	}
}

func TestValidTriggers_CoversButtonsHourAndTimerTimeouts(t *testing.T) {
	timers := []Timer{{Name: "immediate_state", Timeout: 300}, {Name: "immediate_release", Timeout: 30}}
	valid := validTriggers(timers)

	for _, want := range []string{
		"takeover_X", "takeover_Y", "takeover_other",
		"release_X", "release_Y", "release_other",
		"immediate_X", "immediate_Y", "immediate_other",
		"next_hour",
		"immediate_state_timeout",
		"immediate_release_timeout",
	} {
		if !valid[want] {
			t.Errorf("expected trigger %q in declared vocabulary", want)
		}
	}
	if valid["bogus_trigger"] {
		t.Errorf("unexpected trigger in vocabulary")
	}
}

func TestAssertDistinctLampTargets_RejectsDuplicates(t *testing.T) {
	same := LampStateTarget{Automat: StudioLampState{Main: TriColorLampState{State: LampOn, Color: LampGreen}}}
	states := map[string]State{
		"a": {Name: "a", Lamp: same},
		"b": {Name: "b", Lamp: same},
	}
	err := assertDistinctLampTargets(states, []string{"a", "b"})
	if err == nil {
		t.Fatalf("expected a ConfigurationError for identical lamp targets")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected *ConfigurationError, got %T", err)
	}
}

func TestAssertDistinctLampTargets_AllowsDistinct(t *testing.T) {
	states := map[string]State{
		"a": {Name: "a", Lamp: LampStateTarget{Automat: StudioLampState{Main: TriColorLampState{State: LampOn, Color: LampGreen}}}},
		"b": {Name: "b", Lamp: LampStateTarget{Automat: StudioLampState{Main: TriColorLampState{State: LampOff, Color: LampNone}}}},
	}
	if err := assertDistinctLampTargets(states, []string{"a", "b"}); err != nil {
		t.Errorf("unexpected error for distinct lamp targets: %v", err)
	}
}

func TestColIndex_MissingColumn(t *testing.T) {
	if _, err := colIndex([]string{"name", "timeout_seconds"}, "nonexistent"); err == nil {
		t.Errorf("expected an error for a missing column")
	}
}

func TestReadCSV_ParsesHeaderAndRows(t *testing.T) {
	header, rows, err := readCSV([]byte("a,b\n1,2\n3,4\n"))
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if strings.Join(header, ",") != "a,b" {
		t.Errorf("header = %v, want [a b]", header)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0][0] != "1" || rows[1][1] != "4" {
		t.Errorf("unexpected row contents: %v", rows)
	}
}
