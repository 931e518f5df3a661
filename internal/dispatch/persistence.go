package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
)

// snapshot is the on-disk persisted record (spec.md §4.6): the studio names
// bound to X and Y, if any, and the current state name. encoding/json is
// stdlib here because the original dispatcher.py wrote the same small
// record as JSON and no pack repo carries a richer serialization library
// for a payload this simple.
type snapshot struct {
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
	State string `json:"state"`
}

const defaultRestoreState = "automat_on_air"

// LoadSnapshot reads the persisted record at path and resolves it against
// registry and table. Any problem - missing file, malformed JSON, an X/Y name
// that no longer resolves to a known studio, or a state name the table no
// longer declares - falls back to the Automat-on-air default rather than
// aborting startup. No error is returned: LoadSnapshot logs the problem
// itself before falling back.
func LoadSnapshot(path string, registry *Registry, table *Table, log *slog.Logger) (x, y StudioRef, stateName string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("no persisted state found, starting fresh", "path", path)
		} else {
			log.Error("failed to read persisted state, starting fresh", "path", path, "err", (&PersistenceError{Op: "load", Cause: err}).Error())
		}
		return noStudio, noStudio, defaultRestoreState
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error("persisted state is malformed, starting fresh", "path", path, "err", (&PersistenceError{Op: "load", Cause: err}).Error())
		return noStudio, noStudio, defaultRestoreState
	}

	x = noStudio
	if snap.X != "" {
		studio, ok := registry.ByName(snap.X)
		if !ok {
			log.Error("persisted X studio no longer exists, starting fresh", "studio", snap.X)
			return noStudio, noStudio, defaultRestoreState
		}
		x = registry.RefOf(studio)
	}

	y = noStudio
	if snap.Y != "" {
		studio, ok := registry.ByName(snap.Y)
		if !ok {
			log.Error("persisted Y studio no longer exists, starting fresh", "studio", snap.Y)
			return noStudio, noStudio, defaultRestoreState
		}
		y = registry.RefOf(studio)
	}

	if snap.State == "" {
		log.Error("persisted state has no state name, starting fresh")
		return noStudio, noStudio, defaultRestoreState
	}
	if _, ok := table.State(snap.State); !ok {
		log.Error("persisted state is not a declared state, starting fresh", "state", snap.State)
		return noStudio, noStudio, defaultRestoreState
	}

	return x, y, snap.State
}

// SaveSnapshot writes the current X/Y/state to path. Called on clean
// shutdown; a write failure is logged and never blocks shutdown.
func (m *Machine) SaveSnapshot(path string) error {
	m.mu.Lock()
	snap := snapshot{State: m.state.Name}
	if s := m.registry.StudioOf(m.x); s != nil {
		snap.X = s.Name
	}
	if s := m.registry.StudioOf(m.y); s != nil {
		snap.Y = s.Name
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &PersistenceError{Op: "save", Cause: err}
	}
	return nil
}
