package dispatch

import "strings"

// stateFamily classifies a state by which selector value it puts on air,
// derived from the same substring convention the timer manager uses for
// timers: a state belongs to a family if the family's marker string occurs
// anywhere in the state's name.
type stateFamily int

const (
	familyUnknown stateFamily = iota
	familyAutomat
	familyStudioX
)

const (
	automatFamilyMarker = "automat_on_air"
	studioXFamilyMarker = "studio_X_on_air"
)

func familyOf(stateName string) stateFamily {
	switch {
	case strings.Contains(stateName, automatFamilyMarker):
		return familyAutomat
	case strings.Contains(stateName, studioXFamilyMarker):
		return familyStudioX
	default:
		return familyUnknown
	}
}

// State is one node of the declarative state graph: a name, the lamp
// projection it demands, and which on-air family it belongs to.
type State struct {
	Name   string
	Lamp   LampStateTarget
	family stateFamily
}

// hasX reports whether this state binds the X role slot.
func (s State) hasX() bool { return strings.Contains(s.Name, "X") }

// hasY reports whether this state binds the Y role slot.
func (s State) hasY() bool { return strings.Contains(s.Name, "Y") }

// Timer is a bounded, named wait that runs while the machine sits in any
// state whose name contains the timer's name as a substring (spec.md §4.3).
type Timer struct {
	Name    string
	Timeout float64 // seconds
}

// activeIn reports whether this timer should be running while the machine
// is in the given state.
func (t Timer) activeIn(stateName string) bool {
	return strings.Contains(stateName, t.Name)
}

// Transition is one edge of the graph: firing Trigger while in State moves
// to Dest, optionally swapping the X/Y role bindings in the process.
type Transition struct {
	Trigger  string
	Source   string
	Dest     string
	SwitchXY bool
}

// Table is the fully loaded, validated state/timer/transition graph. It is
// built once at startup by Load and never mutated afterwards.
type Table struct {
	states      map[string]State
	timers      []Timer
	transitions map[transitionKey]Transition
	stateOrder  []string // load order, for deterministic iteration in tests/tools
}

type transitionKey struct {
	trigger string
	source  string
}

// State looks up a declared state by name.
func (t *Table) State(name string) (State, bool) {
	s, ok := t.states[name]
	return s, ok
}

// Timers returns the bounded (non-next_hour) timers in declaration order.
func (t *Table) Timers() []Timer {
	out := make([]Timer, len(t.timers))
	copy(out, t.timers)
	return out
}

// Transition looks up the edge leaving source on trigger, if the table
// declares one. A missing edge means the trigger is rejected from that
// state: the machine stays where it is and reports a TransitionRejected, and
// a rejected button trigger flashes the originating studio's immediate lamp
// (spec.md §4.1, §8 S5).
func (t *Table) Transition(source, trigger string) (Transition, bool) {
	tr, ok := t.transitions[transitionKey{trigger: trigger, source: source}]
	return tr, ok
}

// StateNames returns every declared state name in load order.
func (t *Table) StateNames() []string {
	out := make([]string, len(t.stateOrder))
	copy(out, t.stateOrder)
	return out
}
