package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

// LampPins wires one tri-color lamp channel to two output lines: red and
// green. Yellow is realized by driving both simultaneously, the same
// two-pin tri-color LED convention the original dispatcher's panels use.
type LampPins struct {
	RedOffset   int
	GreenOffset int
}

// Sink is a dispatch.LampSink driving a two-pin tri-color LED directly.
// Blink pacing is a dedicated goroutine per Sink, grounded on
// original_source/bermudafunk/io/common.py's Blinker thread
// (itertools.cycle over on/off callables at 1/frequency intervals).
type Sink struct {
	red, green *gpiocdev.Line

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSink requests the red/green output lines on chip, both initially low.
func NewSink(chip string, pins LampPins) (*Sink, error) {
	red, err := gpiocdev.RequestLine(chip, pins.RedOffset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("gpio: request red line %d: %w", pins.RedOffset, err)
	}
	green, err := gpiocdev.RequestLine(chip, pins.GreenOffset, gpiocdev.AsOutput(0))
	if err != nil {
		red.Close()
		return nil, fmt.Errorf("gpio: request green line %d: %w", pins.GreenOffset, err)
	}
	return &Sink{red: red, green: green}, nil
}

// SetState realizes a lamp target physically: ON/OFF are a direct level
// change, anything with a blink frequency (spec.md §4.5) starts a pacer
// goroutine that toggles both pins together at the state's frequency,
// replacing whichever pacer (if any) was previously running.
func (s *Sink) SetState(state dispatch.TriColorLampState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if state.Color == dispatch.LampNone || state.State == dispatch.LampOff {
		return s.setLevel(0, 0)
	}

	red, green := 0, 0
	switch state.Color {
	case dispatch.LampRed:
		red = 1
	case dispatch.LampGreen:
		green = 1
	case dispatch.LampYellow:
		red, green = 1, 1
	}

	if state.State == dispatch.LampOn {
		return s.setLevel(red, green)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.blink(ctx, red, green, state.State.Frequency())
	return nil
}

func (s *Sink) setLevel(red, green int) error {
	if err := s.red.SetValue(red); err != nil {
		return fmt.Errorf("gpio: set red line: %w", err)
	}
	if err := s.green.SetValue(green); err != nil {
		return fmt.Errorf("gpio: set green line: %w", err)
	}
	return nil
}

// blink toggles the configured color on/off at frequency Hz until ctx is
// cancelled, mirroring Blinker.run's itertools.cycle(on, off) pacing.
func (s *Sink) blink(ctx context.Context, red, green int, frequency float64) {
	period := time.Duration(float64(time.Second) / frequency / 2)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	on := true
	s.setLevel(red, green)
	for {
		select {
		case <-ctx.Done():
			s.setLevel(0, 0)
			return
		case <-ticker.C:
			on = !on
			if on {
				s.setLevel(red, green)
			} else {
				s.setLevel(0, 0)
			}
		}
	}
}

// Close stops any pacer and releases both lines.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	var first error
	if err := s.red.Close(); err != nil {
		first = err
	}
	if err := s.green.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
