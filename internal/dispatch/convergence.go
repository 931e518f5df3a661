package dispatch

import (
	"context"
	"math/rand"
	"time"
)

// RunConvergence reasserts the intended on-air position on the selector
// controller every random(300, 600) seconds, to recover from external
// interference (spec.md §4.4): a human at the DSP console, a reboot, packet
// loss. It runs until ctx is cancelled. math/rand is stdlib here because the
// original used Python's stdlib random module and no pack repo carries a
// third-party randomness library for this kind of jitter.
func (m *Machine) RunConvergence(ctx context.Context) {
	for {
		m.reassert(ctx)

		sleep := time.Duration(300+rand.Intn(301)) * time.Second
		select {
		case <-m.clock.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// RunSelectorWatch reacts to externally observed position changes reported
// by the selector controller by reasserting the intended position. The
// dispatcher's logical state never changes in response (spec.md §4.4): the
// dispatcher's on-air value is always the source of truth.
func (m *Machine) RunSelectorWatch(ctx context.Context) error {
	pushes, err := m.selector.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case _, ok := <-pushes:
			if !ok {
				return nil
			}
			m.reassert(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Machine) reassert(ctx context.Context) {
	m.mu.Lock()
	position := m.onAirSelectorValue
	m.mu.Unlock()

	if err := m.selector.SetPosition(ctx, position); err != nil {
		m.log.Warn("selector reassertion failed", "err", (&SelectorIOError{Position: position, Cause: err}).Error())
	}
}
