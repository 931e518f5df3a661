package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

// Subscriber is a button source that reads debounced button presses
// off a Redis command queue, one event per list element, encoded
// "<studio>:<button>". Grounded on the teacher's alarm.Controller
// ListenForCommands BRPop loop (internal/alarm/controller.go), the same
// "blocking pop, parse, dispatch" shape used for scooter:alarm commands.
type Subscriber struct {
	client  *Client
	machine *dispatch.Machine
	reg     *dispatch.Registry
	log     *slog.Logger
}

// NewSubscriber creates a Subscriber delivering parsed button events into
// machine.
func NewSubscriber(client *Client, machine *dispatch.Machine, reg *dispatch.Registry, log *slog.Logger) *Subscriber {
	return &Subscriber{client: client, machine: machine, reg: reg, log: log}
}

// buttonQueueKey is the Redis list button producers (a web layer, a bridge
// to physical buttons) push onto.
const buttonQueueKey = "dispatcher:buttons"

// Run blocks, popping button commands until ctx is cancelled. Each popped
// value is "<studio>:<button>"; malformed or unknown entries are logged and
// dropped, never fatal.
func (s *Subscriber) Run(ctx context.Context) {
	s.log.Info("subscribing to button command queue", "key", buttonQueueKey)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, value, err := s.client.BRPop(ctx, 5, buttonQueueKey)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("error reading button command queue", "err", err)
				continue
			}
			if value == "" {
				continue
			}
			s.handleCommand(ctx, value)
		}
	}
}

func (s *Subscriber) handleCommand(ctx context.Context, cmd string) {
	studioName, buttonName, ok := strings.Cut(cmd, ":")
	if !ok {
		s.log.Warn("malformed button command", "command", cmd)
		return
	}
	studio, ok := s.reg.ByName(studioName)
	if !ok {
		s.log.Warn("button command for unknown studio", "studio", studioName)
		return
	}
	button, ok := dispatch.ParseButton(buttonName)
	if !ok {
		s.log.Warn("button command with unknown button", "button", buttonName)
		return
	}
	if err := s.machine.Enqueue(ctx, dispatch.ButtonEvent{Studio: studio, Button: button}); err != nil {
		s.log.Debug("button event enqueue cancelled", "err", err)
	}
}

// PublishButton is the producer side: a web layer or bridge process pushes a
// button press with this helper rather than composing the wire format
// itself.
func (c *Client) PublishButton(ctx context.Context, studio string, button dispatch.Button) error {
	return c.LPush(ctx, buttonQueueKey, fmt.Sprintf("%s:%s", studio, button))
}
