package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SelectorController abstracts the DSP's numbered on-air position (spec.md
// §2 component 3, §6). Implementations live outside this package (see
// internal/selector); Watch delivers positions the controller observed
// without the dispatcher having requested them, driving reassertion.
type SelectorController interface {
	SetPosition(ctx context.Context, position int) error
	Position(ctx context.Context) (int, error)
	Watch(ctx context.Context) (<-chan int, error)
}

// Machine is the dispatch core: current state, X/Y role bindings, the
// intended on-air selector value, and the hook pipeline that keeps timers,
// lamps and observers in sync with every transition. All mutation happens
// under mu, on whichever goroutine calls Dispatch/FireTimeout/FireNextHour/
// Restore; see spec.md §5 for the single-writer discipline this enforces.
type Machine struct {
	mu sync.Mutex

	table    *Table
	registry *Registry
	selector SelectorController
	clock    Clock
	log      *slog.Logger

	state State
	x, y  StudioRef

	onAirSelectorValue int

	setMu sync.Mutex // serializes dispatchSetPosition's selector calls

	timers    *timerManager
	observers *observerRegistry

	events chan ButtonEvent

	flashCancel chan struct{}
}

// NewMachine builds a Machine with no state set; callers must call Restore
// once with the persisted (or default) state before Run.
func NewMachine(table *Table, registry *Registry, selector SelectorController, clock Clock, inhibitor SuspendInhibitor, log *slog.Logger) *Machine {
	return &Machine{
		table:     table,
		registry:  registry,
		selector:  selector,
		clock:     clock,
		log:       log,
		x:         noStudio,
		y:         noStudio,
		timers:    newTimerManager(table, clock, inhibitor, log),
		observers: newObserverRegistry(),
		events:    make(chan ButtonEvent, 1),
	}
}

// Subscribe registers an Observer, returning an ID for Unsubscribe.
func (m *Machine) Subscribe(obs Observer) int { return m.observers.Subscribe(obs) }

func (m *Machine) Unsubscribe(id int) { m.observers.Unsubscribe(id) }

// Enqueue delivers a button event to the dispatch loop, blocking if the
// single-slot queue is full (spec.md §4.2: "producers await space").
func (m *Machine) Enqueue(ctx context.Context, evt ButtonEvent) error {
	select {
	case m.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the button-event queue until ctx is cancelled. It is the single
// cooperative consumer required by spec.md §4.2/§5: only this goroutine ever
// calls Dispatch.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case evt := <-m.events:
			if err := m.Dispatch(ctx, evt); err != nil {
				m.log.Info("button event did not change state", "studio", evt.Studio, "button", evt.Button, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status returns a snapshot of the current state, on-air studio and role
// bindings.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Machine) statusLocked() Status {
	st := Status{State: m.state.Name}
	if s := m.registry.StudioOf(m.x); s != nil {
		st.X = s.Name
	}
	if s := m.registry.StudioOf(m.y); s != nil {
		st.Y = s.Name
	}
	if m.onAirSelectorValue == m.registry.AutomatSelectorValue() {
		st.OnAirStudio = m.registry.Automat().Name
		return st
	}
	for _, s := range m.registry.Studios() {
		if m.registry.SelectorValueOf(m.registry.RefOf(s)) == m.onAirSelectorValue {
			st.OnAirStudio = s.Name
			break
		}
	}
	return st
}

// FireTimeout fires the "<timer>_timeout" trigger for a bounded timer that
// just elapsed. If the current state declares no transition for it, it is
// silently ignored (spec.md §4.3).
func (m *Machine) FireTimeout(ctx context.Context, timerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(ctx, timeoutTrigger(timerName), nil)
}

// FireNextHour fires the hour-boundary trigger.
func (m *Machine) FireNextHour(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(ctx, nextHourTrigger, nil)
}

// Dispatch is the role binder (spec.md §4.2): it derives the trigger suffix
// from the current X/Y bindings and the pressed studio, fires the combined
// trigger, and on rejection flashes the originating studio's immediate lamp.
func (m *Machine) Dispatch(ctx context.Context, evt ButtonEvent) error {
	m.mu.Lock()
	suffix := m.roleSuffixLocked(evt.Studio)
	trigger := triggerName(evt.Button, suffix)
	err := m.fireLocked(ctx, trigger, &evt)
	m.mu.Unlock()

	var rejected *TransitionRejected
	if errors.As(err, &rejected) {
		m.flashRejection(ctx, evt.Studio)
	}
	return err
}

// roleSuffixLocked implements the table in spec.md §4.2. mu must be held.
func (m *Machine) roleSuffixLocked(studio *Studio) roleSuffix {
	ref := m.registry.RefOf(studio)
	switch {
	case m.x == noStudio || m.x == ref:
		return roleX
	case m.y == noStudio || m.y == ref:
		return roleY
	default:
		return roleOther
	}
}

// Restore drives the machine directly into a persisted (or default) state,
// bypassing the transition table: spec.md §4.6 calls this an "unconditional
// goto state transition" used only once, at startup.
func (m *Machine) Restore(ctx context.Context, x, y StudioRef, stateName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest, ok := m.table.State(stateName)
	if !ok {
		return &PersistenceError{Op: "restore", Cause: fmt.Errorf("unknown state %q", stateName)}
	}

	source := m.state.Name // "" on first call, before any state is set
	m.x, m.y = x, y

	m.applyFamilyLocked(dest)
	m.dispatchSetPosition(ctx)

	if !dest.hasX() {
		m.x = noStudio
	}
	if !dest.hasY() {
		m.y = noStudio
	}
	m.timers.transition(source, dest.Name, m.timeoutCallback(ctx), m.nextHourCallback(ctx))

	m.state = dest
	m.finalizeLocked(ctx, "restore")
	return nil
}

// fireLocked runs the full before->on-exit->on-enter->after->finalize
// pipeline (spec.md §4.1). mu must already be held.
func (m *Machine) fireLocked(ctx context.Context, trigger string, evt *ButtonEvent) error {
	source := m.state
	tr, ok := m.table.Transition(source.Name, trigger)
	if !ok {
		return &TransitionRejected{Trigger: trigger, State: source.Name}
	}
	dest, ok := m.table.State(tr.Dest)
	if !ok {
		// The loader guarantees every dest resolves; reaching here would be
		// a bug in Load, not a runtime condition.
		violation := &InvariantViolation{Reason: fmt.Sprintf("transition %q->%q has no matching state", trigger, tr.Dest)}
		m.log.Error(violation.Error())
		return violation
	}

	// before
	if evt != nil {
		m.bindRoleLocked(trigger, evt)
	}
	m.timers.stopExiting(source.Name, dest.Name)

	// on-enter(dest)
	if tr.SwitchXY {
		m.x, m.y = m.y, noStudio
	}
	m.applyFamilyLocked(dest)
	m.dispatchSetPosition(ctx)

	// after
	if !dest.hasX() {
		m.x = noStudio
	}
	if !dest.hasY() {
		m.y = noStudio
	}
	m.timers.startEntering(source.Name, dest.Name, m.timeoutCallback(ctx), m.nextHourCallback(ctx))

	m.state = dest
	m.finalizeLocked(ctx, trigger)
	return nil
}

// bindRoleLocked assigns the pressed studio into the role slot named by the
// trigger, e.g. "takeover_X" binds X. Triggers ending in "_other" bind
// nothing. mu must be held.
func (m *Machine) bindRoleLocked(trigger string, evt *ButtonEvent) {
	ref := m.registry.RefOf(evt.Studio)
	switch {
	case hasTriggerSuffix(trigger, roleX):
		m.x = ref
	case hasTriggerSuffix(trigger, roleY):
		m.y = ref
	}
}

func hasTriggerSuffix(trigger string, suffix roleSuffix) bool {
	s := string(suffix)
	return len(trigger) > len(s) && trigger[len(trigger)-len(s):] == s && trigger[len(trigger)-len(s)-1] == '_'
}

// applyFamilyLocked sets onAirSelectorValue per spec.md §3/§4.1: the
// Automat's value for the automat family, selector_of(X) for the studio_X
// family. mu must be held.
func (m *Machine) applyFamilyLocked(dest State) {
	switch dest.family {
	case familyAutomat:
		m.onAirSelectorValue = m.registry.AutomatSelectorValue()
	case familyStudioX:
		m.onAirSelectorValue = m.registry.SelectorValueOf(m.x)
	}
}

// dispatchSetPosition posts the intended position to the selector controller
// as a follow-up task: entry/exit/finalize hooks must not suspend (spec.md
// §5), so the network round-trip happens off the loop goroutine. The calls
// are serialized and each sends the intended position current when it runs,
// so a late-running call never leaves the selector on an outdated position.
func (m *Machine) dispatchSetPosition(ctx context.Context) {
	go func() {
		m.setMu.Lock()
		defer m.setMu.Unlock()
		m.mu.Lock()
		position := m.onAirSelectorValue
		m.mu.Unlock()
		if err := m.selector.SetPosition(ctx, position); err != nil {
			m.log.Warn("selector set_position failed", "position", position, "err", (&SelectorIOError{Position: position, Cause: err}).Error())
		}
	}()
}

func (m *Machine) timeoutCallback(ctx context.Context) func(timerName string) {
	return func(timerName string) {
		if err := m.FireTimeout(ctx, timerName); err != nil {
			m.log.Debug("timer timeout ignored", "timer", timerName, "err", err)
		}
	}
}

func (m *Machine) nextHourCallback(ctx context.Context) func() {
	return func() {
		if err := m.FireNextHour(ctx); err != nil {
			m.log.Debug("next_hour trigger ignored", "err", err)
		}
	}
}

// finalizeLocked audits invariants, projects lamp targets and notifies
// observers; the last step of every transition (spec.md §4.1 step 4). mu
// must be held.
func (m *Machine) finalizeLocked(ctx context.Context, trigger string) {
	m.auditInvariantsLocked()
	m.projectLampsLocked()
	status := m.statusLocked()
	m.observers.notify(StatusEvent{Status: status, Trigger: trigger})
}

// auditInvariantsLocked checks spec.md §3's role-slot invariants. A
// violation is logged and never self-healed (spec.md §7 InvariantViolation).
func (m *Machine) auditInvariantsLocked() {
	if m.state.hasX() != (m.x != noStudio) {
		v := &InvariantViolation{Reason: fmt.Sprintf("state %q X-token mismatch: x=%v", m.state.Name, m.x)}
		m.log.Error(v.Error())
	}
	if m.state.hasY() != (m.y != noStudio) {
		v := &InvariantViolation{Reason: fmt.Sprintf("state %q Y-token mismatch: y=%v", m.state.Name, m.y)}
		m.log.Error(v.Error())
	}
	if m.x != noStudio && m.x == m.y {
		v := &InvariantViolation{Reason: "X and Y are bound to the same studio"}
		m.log.Error(v.Error())
	}
}

// projectLampsLocked implements the lamp projector (spec.md §4.5): the
// Automat, the studio in X, the studio in Y, and every other studio each
// get the current state's corresponding lamp target.
func (m *Machine) projectLampsLocked() {
	target := m.state.Lamp
	if err := m.registry.Automat().MainLamp.SetState(target.Automat.Main); err != nil {
		m.log.Warn("automat lamp sink failed", "err", err)
	}
	for _, s := range m.registry.Studios() {
		ref := m.registry.RefOf(s)
		var want StudioLampState
		switch {
		case ref == m.x:
			want = target.X
		case ref == m.y:
			want = target.Y
		default:
			want = target.Other
		}
		if err := s.MainLamp.SetState(want.Main); err != nil {
			m.log.Warn("studio lamp sink failed", "studio", s.Name, "channel", "main", "err", err)
		}
		if err := s.ImmediateLamp.SetState(want.Immediate); err != nil {
			m.log.Warn("studio lamp sink failed", "studio", s.Name, "channel", "immediate", "err", err)
		}
	}

	if m.flashCancel != nil {
		close(m.flashCancel)
		m.flashCancel = nil
	}
}

// flashRejection implements spec.md §4.2's error signal: a one-second red
// BLINK_REALLY_FAST on the rejecting studio's immediate lamp, then the
// lamps are restored from the current state's target. A newer transition's
// own projection cancels a still-pending flash.
func (m *Machine) flashRejection(ctx context.Context, studio *Studio) {
	m.mu.Lock()
	cancel := make(chan struct{})
	m.flashCancel = cancel
	m.mu.Unlock()

	if err := studio.ImmediateLamp.SetState(TriColorLampState{State: LampBlinkReallyFast, Color: LampRed}); err != nil {
		m.log.Warn("studio lamp sink failed", "studio", studio.Name, "channel", "immediate", "err", err)
	}

	go func() {
		select {
		case <-m.clock.After(time.Second):
		case <-cancel:
			return
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
		m.projectLampsLocked()
		m.mu.Unlock()
	}()
}
