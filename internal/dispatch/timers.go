package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SuspendInhibitor prevents the host from suspending while a bounded timer
// or the hour-boundary scheduler is running, so a wall-clock wait is not
// silently stretched by system sleep. Grounded on internal/pm.Inhibitor's
// org.freedesktop.login1.Manager.Inhibit wiring, re-purposed here from the
// seatbox/level2 dependency it originally guarded.
type SuspendInhibitor interface {
	Acquire(reason string) error
	Release() error
}

// NoopInhibitor never inhibits suspend. Used when no dbus session is
// available (tests, or a deployment without systemd-logind).
type NoopInhibitor struct{}

func (NoopInhibitor) Acquire(string) error { return nil }
func (NoopInhibitor) Release() error       { return nil }

// timerManager owns the bounded timer tasks and the hour-boundary scheduler,
// starting and stopping them on the substring rules of spec.md §4.3.
type timerManager struct {
	table     *Table
	clock     Clock
	inhibitor SuspendInhibitor
	log       *slog.Logger

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	inhibitHeld bool
}

func newTimerManager(table *Table, clock Clock, inhibitor SuspendInhibitor, log *slog.Logger) *timerManager {
	return &timerManager{
		table:     table,
		clock:     clock,
		inhibitor: inhibitor,
		log:       log,
		cancels:   map[string]context.CancelFunc{},
	}
}

// activeTimerNames returns every timer name (bounded timers plus next_hour)
// whose name is a substring of stateName.
func (tm *timerManager) activeTimerNames(stateName string) []string {
	var names []string
	if strings.Contains(stateName, nextHourTrigger) {
		names = append(names, nextHourTrigger)
	}
	for _, t := range tm.table.Timers() {
		if t.activeIn(stateName) {
			names = append(names, t.Name)
		}
	}
	return names
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// stopExiting cancels every timer active in source but not in dest.
func (tm *timerManager) stopExiting(source, dest string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	destNames := tm.activeTimerNames(dest)
	for _, name := range tm.activeTimerNames(source) {
		if containsName(destNames, name) {
			continue
		}
		if cancel, ok := tm.cancels[name]; ok {
			cancel()
			delete(tm.cancels, name)
		}
	}
	tm.releaseInhibitorIfIdleLocked()
}

// startEntering starts every timer active in dest that was not already
// active in source. onTimeout fires a bounded timer's "<name>_timeout"
// trigger; onNextHour fires "next_hour".
func (tm *timerManager) startEntering(source, dest string, onTimeout func(name string), onNextHour func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	sourceNames := tm.activeTimerNames(source)
	for _, name := range tm.activeTimerNames(dest) {
		if containsName(sourceNames, name) {
			continue // the deadline continues running, spec.md §4.3
		}
		if _, running := tm.cancels[name]; running {
			continue // re-entry while running is a no-op
		}
		tm.startLocked(name, onTimeout, onNextHour)
	}
}

// transition is stopExiting+startEntering, used at restore where there is
// no meaningful "source" bookkeeping to diff incrementally.
func (tm *timerManager) transition(source, dest string, onTimeout func(name string), onNextHour func()) {
	tm.stopExiting(source, dest)
	tm.startEntering(source, dest, onTimeout, onNextHour)
}

func (tm *timerManager) startLocked(name string, onTimeout func(string), onNextHour func()) {
	tm.acquireInhibitorLocked()
	ctx, cancel := context.WithCancel(context.Background())
	tm.cancels[name] = cancel

	if name == nextHourTrigger {
		go tm.runNextHour(ctx, onNextHour)
		return
	}
	t, ok := tm.findTimer(name)
	if !ok {
		cancel()
		delete(tm.cancels, name)
		return
	}
	expired := tm.clock.After(time.Duration(t.Timeout * float64(time.Second)))
	go tm.runBounded(ctx, t, expired, onTimeout)
}

func (tm *timerManager) findTimer(name string) (Timer, bool) {
	for _, t := range tm.table.Timers() {
		if t.Name == name {
			return t, true
		}
	}
	return Timer{}, false
}

// runBounded waits for the timer's fixed duration (expired, registered by
// startLocked when the timer starts), then fires its timeout trigger unless
// cancelled first.
func (tm *timerManager) runBounded(ctx context.Context, t Timer, expired <-chan time.Time, onTimeout func(string)) {
	select {
	case <-expired:
	case <-ctx.Done():
	}
	tm.finish(t.Name)
	if ctx.Err() != nil {
		return // cancelled: never fire, even if the deadline also passed
	}
	onTimeout(t.Name)
}

// runNextHour implements the two-phase hour-boundary sleep (spec.md §4.3):
// coarse sleep until deadline-2s, fine sleep until deadline-300ms, then one
// more short sleep and fire.
func (tm *timerManager) runNextHour(ctx context.Context, onNextHour func()) {
	deadline := calcNextHour(tm.clock.Now())
	for {
		remaining := deadline.Sub(tm.clock.Now())
		if remaining <= 300*time.Millisecond {
			select {
			case <-tm.clock.After(remaining):
			case <-ctx.Done():
				tm.finish(nextHourTrigger)
				return
			}
			break
		}
		sleepFor := remaining - 300*time.Millisecond
		if remaining > 2*time.Second {
			sleepFor = remaining - 2*time.Second
		}
		select {
		case <-tm.clock.After(sleepFor):
		case <-ctx.Done():
			tm.finish(nextHourTrigger)
			return
		}
	}
	tm.finish(nextHourTrigger)
	if ctx.Err() != nil {
		return
	}
	onNextHour()
}

// calcNextHour returns the next wall-clock hour boundary strictly after now
// (UTC), grounded on utils.py's calc_next_hour but built on time.Truncate
// instead of dateutil.relativedelta: no pack library offers that primitive,
// and stdlib truncation is sufficient for hour-aligned boundaries.
func calcNextHour(now time.Time) time.Time {
	now = now.UTC()
	next := now.Truncate(time.Hour)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

func (tm *timerManager) finish(name string) {
	tm.mu.Lock()
	delete(tm.cancels, name)
	tm.releaseInhibitorIfIdleLocked()
	tm.mu.Unlock()
}

func (tm *timerManager) acquireInhibitorLocked() {
	if tm.inhibitHeld {
		return
	}
	if err := tm.inhibitor.Acquire("dispatch timer running"); err != nil {
		tm.log.Warn("suspend inhibitor acquire failed", "err", err)
		return
	}
	tm.inhibitHeld = true
}

func (tm *timerManager) releaseInhibitorIfIdleLocked() {
	if !tm.inhibitHeld || len(tm.cancels) > 0 {
		return
	}
	if err := tm.inhibitor.Release(); err != nil {
		tm.log.Warn("suspend inhibitor release failed", "err", err)
	}
	tm.inhibitHeld = false
}
