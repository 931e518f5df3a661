package dispatch

import "fmt"

// StudioKind tags a Studio as the program-automation source or an ordinary
// broadcasting studio. Preferred over a base-class split (spec.md §9 DESIGN
// NOTES: "Inheritance of Studio/Automat" -> tagged variant on a flat struct).
type StudioKind int

const (
	StudioKindNormal StudioKind = iota
	StudioKindAutomat
)

// Studio is a broadcasting studio or the Automat program source. A Studio
// carries up to three button sources and up to two tri-color lamps; the
// Automat has neither buttons nor an Immediate lamp.
type Studio struct {
	Name string
	Kind StudioKind

	MainLamp      LampSink
	ImmediateLamp LampSink
}

// NewStudio creates a normal broadcasting studio. Lamps default to a no-op
// sink and can be wired in afterwards with SetLamps.
func NewStudio(name string) *Studio {
	return &Studio{
		Name:          name,
		Kind:          StudioKindNormal,
		MainLamp:      NoopLampSink{},
		ImmediateLamp: NoopLampSink{},
	}
}

// NewAutomat creates the program-automation studio. It has no Immediate
// lamp; SetLamps on it only ever changes Main.
func NewAutomat(name string) *Studio {
	return &Studio{
		Name:          name,
		Kind:          StudioKindAutomat,
		MainLamp:      NoopLampSink{},
		ImmediateLamp: NoopLampSink{},
	}
}

// SetLamps wires concrete lamp sinks onto the studio. Passing nil for a
// channel leaves it at its current (default no-op) sink.
func (s *Studio) SetLamps(main, immediate LampSink) {
	if main != nil {
		s.MainLamp = main
	}
	if immediate != nil && !s.IsAutomat() {
		s.ImmediateLamp = immediate
	}
}

func (s *Studio) IsAutomat() bool {
	return s.Kind == StudioKindAutomat
}

func (s *Studio) String() string {
	return fmt.Sprintf("Studio(%s)", s.Name)
}

// DispatcherStudioDefinition binds a Studio to the DSP selector position
// that routes it to air.
type DispatcherStudioDefinition struct {
	Studio        *Studio
	SelectorValue int
}

// StudioRef is a small index into the Registry's fixed studio slice,
// preferred over a raw *Studio reference for role slots (spec.md §9 DESIGN
// NOTES: "Role slots as enums, not pointers"). The zero value refers to no
// studio; valid references start at 1.
type StudioRef int

const noStudio StudioRef = 0

// Registry is the fixed-size set of studios and their selector-value
// bindings built once at startup. It never changes after construction.
type Registry struct {
	automat        *Studio
	automatValue   int
	studios        []*Studio
	byRef          map[StudioRef]*Studio
	refByStudio    map[*Studio]StudioRef
	refBySelector  map[int]StudioRef
	selectorByRef  map[StudioRef]int
}

// NewRegistry validates and builds the studio registry. It returns a
// ConfigurationError for any duplicate name, duplicate or colliding selector
// value, or an Automat studio erroneously also present in the studio list.
func NewRegistry(automat DispatcherStudioDefinition, studios []DispatcherStudioDefinition) (*Registry, error) {
	if automat.Studio == nil || automat.Studio.Name == "" {
		return nil, &ConfigurationError{Reason: "automat studio must have a non-empty name"}
	}
	if !automat.Studio.IsAutomat() {
		return nil, &ConfigurationError{Reason: "automat definition must reference a Studio of kind StudioKindAutomat"}
	}

	reg := &Registry{
		automat:       automat.Studio,
		automatValue:  automat.SelectorValue,
		byRef:         map[StudioRef]*Studio{},
		refByStudio:   map[*Studio]StudioRef{},
		refBySelector: map[int]StudioRef{},
		selectorByRef: map[StudioRef]int{},
	}

	seenNames := map[string]bool{automat.Studio.Name: true}
	seenSelectors := map[int]bool{automat.SelectorValue: true}

	for i, def := range studios {
		if def.Studio == nil || def.Studio.Name == "" {
			return nil, &ConfigurationError{Reason: "studio must have a non-empty name"}
		}
		if def.Studio.IsAutomat() {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("studio %q has the magic automat kind", def.Studio.Name)}
		}
		if seenNames[def.Studio.Name] {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate studio name %q", def.Studio.Name)}
		}
		if seenSelectors[def.SelectorValue] {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("selector value %d used more than once (studio %q)", def.SelectorValue, def.Studio.Name)}
		}
		seenNames[def.Studio.Name] = true
		seenSelectors[def.SelectorValue] = true

		ref := StudioRef(i + 1)
		reg.studios = append(reg.studios, def.Studio)
		reg.byRef[ref] = def.Studio
		reg.refByStudio[def.Studio] = ref
		reg.refBySelector[def.SelectorValue] = ref
		reg.selectorByRef[ref] = def.SelectorValue
	}

	return reg, nil
}

func (r *Registry) Automat() *Studio { return r.automat }

func (r *Registry) AutomatSelectorValue() int { return r.automatValue }

func (r *Registry) Studios() []*Studio {
	out := make([]*Studio, len(r.studios))
	copy(out, r.studios)
	return out
}

// RefOf returns the StudioRef bound to studio, or noStudio if studio is nil
// or unknown (e.g. the Automat, which never occupies X/Y).
func (r *Registry) RefOf(studio *Studio) StudioRef {
	if studio == nil {
		return noStudio
	}
	return r.refByStudio[studio]
}

func (r *Registry) StudioOf(ref StudioRef) *Studio {
	if ref == noStudio {
		return nil
	}
	return r.byRef[ref]
}

func (r *Registry) ByName(name string) (*Studio, bool) {
	if r.automat.Name == name {
		return r.automat, true
	}
	for _, s := range r.studios {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// SelectorValueOf returns the DSP position that routes ref to air.
func (r *Registry) SelectorValueOf(ref StudioRef) int {
	if ref == noStudio {
		return r.automatValue
	}
	return r.selectorByRef[ref]
}
