// Package gpio drives the dispatcher's physical I/O directly over the Linux
// GPIO character-device ABI, for a bare-metal deployment without the
// Redis-bridge hardware service. Grounded on
// original_source/bermudafunk/io/gpio.py (GPIOButton/GPIOLamp), the original
// dispatcher's direct RPi.GPIO wiring, modernized to
// github.com/warthog618/go-gpiocdev the way the teacher's go.mod declares
// but never exercises.
package gpio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

// debounceTime matches GPIOButton.DEBOUNCE_TIME in the original Python.
const debounceTime = 150 * time.Millisecond

// ButtonLine describes one physical button: which studio and button it
// reports, and which GPIO offset it is wired to.
type ButtonLine struct {
	Studio string
	Button dispatch.Button
	Offset int
}

// ButtonSource requests one input line per ButtonLine and forwards
// falling-edge presses (active-low, pulled up, mirroring the original's
// PUD_UP + FALLING wiring) into the dispatcher.
type ButtonSource struct {
	lines   []*gpiocdev.Line
	machine *dispatch.Machine
	reg     *dispatch.Registry
	log     *slog.Logger
}

// NewButtonSource requests every declared line on chip (e.g. "gpiochip0")
// and wires its event handler straight into machine.Enqueue.
func NewButtonSource(chip string, buttons []ButtonLine, machine *dispatch.Machine, reg *dispatch.Registry, log *slog.Logger) (*ButtonSource, error) {
	bs := &ButtonSource{machine: machine, reg: reg, log: log}

	for _, b := range buttons {
		b := b
		studio, ok := reg.ByName(b.Studio)
		if !ok {
			bs.Close()
			return nil, fmt.Errorf("gpio: button line references unknown studio %q", b.Studio)
		}

		line, err := gpiocdev.RequestLine(chip, b.Offset,
			gpiocdev.WithPullUp,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithDebounce(debounceTime),
			gpiocdev.WithEventHandler(bs.handler(studio, b.Button)),
		)
		if err != nil {
			bs.Close()
			return nil, fmt.Errorf("gpio: request line %d for %s/%s: %w", b.Offset, b.Studio, b.Button, err)
		}
		bs.lines = append(bs.lines, line)
	}

	return bs, nil
}

// handler builds the gpiocdev event callback for one button line. It fires
// on a fresh goroutine per event so Enqueue's back-pressure blocking never
// stalls the gpiocdev event-processing goroutine.
func (bs *ButtonSource) handler(studio *dispatch.Studio, button dispatch.Button) func(gpiocdev.LineEvent) {
	return func(evt gpiocdev.LineEvent) {
		if evt.Type != gpiocdev.LineEventFallingEdge {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bs.machine.Enqueue(ctx, dispatch.ButtonEvent{Studio: studio, Button: button}); err != nil {
				bs.log.Warn("gpio button enqueue failed", "studio", studio.Name, "button", button, "err", err)
			}
		}()
	}
}

// Close releases every requested line.
func (bs *ButtonSource) Close() error {
	var first error
	for _, l := range bs.lines {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
