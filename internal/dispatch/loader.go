package dispatch

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

//go:embed tabledata/timers.csv
var timersCSV []byte

//go:embed tabledata/states.csv
var statesCSV []byte

//go:embed tabledata/transitions.csv
var transitionsCSV []byte

// declared trigger vocabulary (spec.md §6): buttons bound to X/Y/other, the
// hour boundary, and a timeout per declared timer.
func validTriggers(timers []Timer) map[string]bool {
	valid := map[string]bool{nextHourTrigger: true}
	for _, b := range []Button{ButtonTakeover, ButtonRelease, ButtonImmediate} {
		for _, suffix := range []roleSuffix{roleX, roleY, roleOther} {
			valid[triggerName(b, suffix)] = true
		}
	}
	for _, t := range timers {
		valid[timeoutTrigger(t.Name)] = true
	}
	return valid
}

// Load parses and validates the embedded declarative tables, the Go
// equivalent of the pandas-backed CSV loader the tables were modeled on.
// Any structural problem (duplicate names, undeclared triggers, colliding
// timer substrings) is a ConfigurationError: the process should not start
// with a broken table. Non-fatal irregularities (two states sharing a lamp
// projection once the immediate channel is ignored) are logged and load
// continues.
func Load(log *slog.Logger) (*Table, error) {
	timers, err := loadTimers()
	if err != nil {
		return nil, err
	}
	states, order, err := loadStates(log)
	if err != nil {
		return nil, err
	}
	transitions, err := loadTransitions(states, timers)
	if err != nil {
		return nil, err
	}
	return &Table{
		states:      states,
		timers:      timers,
		transitions: transitions,
		stateOrder:  order,
	}, nil
}

func readCSV(data []byte) ([]string, [][]string, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, nil, err
	}
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func colIndex(header []string, name string) (int, error) {
	for i, h := range header {
		if h == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("column %q not found", name)
}

func loadTimers() ([]Timer, error) {
	header, rows, err := readCSV(timersCSV)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("timers.csv: %v", err)}
	}
	nameCol, err := colIndex(header, "name")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("timers.csv: %v", err)}
	}
	timeoutCol, err := colIndex(header, "timeout_seconds")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("timers.csv: %v", err)}
	}

	var timers []Timer
	for _, row := range rows {
		timeout, err := strconv.ParseFloat(row[timeoutCol], 64)
		if err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("timers.csv: timer %q has a non-numeric timeout: %v", row[nameCol], err)}
		}
		timers = append(timers, Timer{Name: row[nameCol], Timeout: timeout})
	}

	// No timer name may be a substring of another: substring matching is how
	// the timer manager decides which timers are active in a given state, so
	// an ambiguous pair would make that decision undefined.
	for i := 0; i < len(timers); i++ {
		for j := 0; j < len(timers); j++ {
			if i == j {
				continue
			}
			if strings.Contains(timers[i].Name, timers[j].Name) {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("timers.csv: timer name %q contains timer name %q", timers[i].Name, timers[j].Name)}
			}
		}
	}

	return timers, nil
}

func loadStates(log *slog.Logger) (map[string]State, []string, error) {
	header, rows, err := readCSV(statesCSV)
	if err != nil {
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: %v", err)}
	}

	col := func(name string) int {
		i, colErr := colIndex(header, name)
		if colErr != nil {
			err = colErr
		}
		return i
	}
	nameCol := col("name")
	cols := struct {
		automatState, automatColor, automatImmState, automatImmColor int
		xState, xColor, xImmState, xImmColor                         int
		yState, yColor, yImmState, yImmColor                         int
		otherState, otherColor, otherImmState, otherImmColor         int
	}{
		col("automat_main_state"), col("automat_main_color"),
		col("automat_immediate_state"), col("automat_immediate_color"),
		col("x_main_state"), col("x_main_color"),
		col("x_immediate_state"), col("x_immediate_color"),
		col("y_main_state"), col("y_main_color"),
		col("y_immediate_state"), col("y_immediate_color"),
		col("other_main_state"), col("other_main_color"),
		col("other_immediate_state"), col("other_immediate_color"),
	}
	if err != nil {
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: %v", err)}
	}

	lampPair := func(row []string, stateCol, colorCol int) (TriColorLampState, error) {
		state, ok := parseLampState(row[stateCol])
		if !ok {
			return TriColorLampState{}, fmt.Errorf("unknown lamp state %q", row[stateCol])
		}
		color, ok := parseLampColor(row[colorCol])
		if !ok {
			return TriColorLampState{}, fmt.Errorf("unknown lamp color %q", row[colorCol])
		}
		return TriColorLampState{State: state, Color: color}, nil
	}

	states := map[string]State{}
	var order []string
	var seenLower = map[string]bool{}

	for _, row := range rows {
		name := row[nameCol]
		lower := strings.ToLower(name)
		if seenLower[lower] {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: duplicate state name %q", name)}
		}
		seenLower[lower] = true

		automatMain, err := lampPair(row, cols.automatState, cols.automatColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q automat lamp: %v", name, err)}
		}
		// The Automat has no immediate lamp; the column is parsed for table
		// fidelity with the external schema (§6) but never applied physically.
		if _, err := lampPair(row, cols.automatImmState, cols.automatImmColor); err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q automat immediate lamp: %v", name, err)}
		}
		xMain, err := lampPair(row, cols.xState, cols.xColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q x main lamp: %v", name, err)}
		}
		xImm, err := lampPair(row, cols.xImmState, cols.xImmColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q x immediate lamp: %v", name, err)}
		}
		yMain, err := lampPair(row, cols.yState, cols.yColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q y main lamp: %v", name, err)}
		}
		yImm, err := lampPair(row, cols.yImmState, cols.yImmColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q y immediate lamp: %v", name, err)}
		}
		otherMain, err := lampPair(row, cols.otherState, cols.otherColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q other main lamp: %v", name, err)}
		}
		otherImm, err := lampPair(row, cols.otherImmState, cols.otherImmColor)
		if err != nil {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q other immediate lamp: %v", name, err)}
		}

		target := LampStateTarget{
			Automat: StudioLampState{Main: automatMain},
			X:       StudioLampState{Main: xMain, Immediate: xImm},
			Y:       StudioLampState{Main: yMain, Immediate: yImm},
			Other:   StudioLampState{Main: otherMain, Immediate: otherImm},
		}

		st := State{Name: name, Lamp: target}
		// A token absent from the state name means that role can never be
		// bound while this state is current; its lamp target is forced to
		// zero regardless of what the table declares, mirroring the
		// original loader's behavior.
		if !st.hasX() {
			target.X = StudioLampState{}
		}
		if !st.hasY() {
			target.Y = StudioLampState{}
		}
		st.Lamp = target
		st.family = familyOf(name)

		states[name] = st
		order = append(order, name)
	}

	if err := assertDistinctLampTargets(states, order); err != nil {
		return nil, nil, err
	}
	checkDistinctLampTargets(log, states, order)

	return states, order, nil
}

// assertDistinctLampTargets fails the load if two states project exactly
// the same lamp picture, immediate channel included: that is always a
// table-authoring mistake, never an intentional variant (spec.md §3).
func assertDistinctLampTargets(states map[string]State, order []string) error {
	seen := map[LampStateTarget]string{}
	for _, name := range order {
		key := states[name].Lamp
		if other, ok := seen[key]; ok {
			return &ConfigurationError{Reason: fmt.Sprintf("states.csv: state %q and %q declare identical lamp targets", name, other)}
		}
		seen[key] = name
	}
	return nil
}

// checkDistinctLampTargets warns, but never fails, when two states project
// the same lamp picture once the immediate channel is ignored: it usually
// means one of the two immediate variants was declared redundantly, not a
// broken table.
func checkDistinctLampTargets(log *slog.Logger, states map[string]State, order []string) {
	seen := map[LampStateTarget]string{}
	for _, name := range order {
		key := states[name].Lamp.ignoringImmediate()
		if other, ok := seen[key]; ok {
			log.Warn("states declare the same lamp projection ignoring the immediate channel",
				"state", name, "other_state", other)
			continue
		}
		seen[key] = name
	}
}

func loadTransitions(states map[string]State, timers []Timer) (map[transitionKey]Transition, error) {
	header, rows, err := readCSV(transitionsCSV)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: %v", err)}
	}
	triggerCol, err := colIndex(header, "trigger")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: %v", err)}
	}
	sourceCol, err := colIndex(header, "source")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: %v", err)}
	}
	destCol, err := colIndex(header, "dest")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: %v", err)}
	}
	switchCol, err := colIndex(header, "switch_xy")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: %v", err)}
	}

	valid := validTriggers(timers)
	transitions := map[transitionKey]Transition{}

	for _, row := range rows {
		trigger := row[triggerCol]
		source := row[sourceCol]
		dest := row[destCol]

		if !valid[trigger] {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: trigger %q is not in the declared vocabulary", trigger)}
		}
		if _, ok := states[source]; !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: source state %q is not declared in states.csv", source)}
		}
		if _, ok := states[dest]; !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: dest state %q is not declared in states.csv", dest)}
		}

		switchXY, err := strconv.ParseBool(row[switchCol])
		if err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: trigger %q from %q: switch_xy %q is not a bool", trigger, source, row[switchCol])}
		}

		key := transitionKey{trigger: trigger, source: source}
		if _, dup := transitions[key]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("transitions.csv: duplicate (trigger, source) pair (%q, %q)", trigger, source)}
		}
		transitions[key] = Transition{Trigger: trigger, Source: source, Dest: dest, SwitchXY: switchXY}
	}

	return transitions, nil
}
