// Package selector implements dispatch.SelectorController over a sibling
// hardware-bridge service reached through Redis, grounded on the teacher's
// internal/bmx.Client: a direct go-redis client pushing commands to a list a
// sibling service consumes, and reading the sibling's reported state back
// from a hash.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// commandKey is the list the DSP-bridge service consumes set_position
// commands from; positionHash/positionField is where it reports the
// position it last confirmed (the ACK), mirroring bmx/client.go's
// "scooter:bmx" command list paired with app.go's "bmx" status hash.
const (
	commandKey     = "dsp:command"
	positionHash   = "dsp"
	positionField  = "position"
	channelKey     = "dsp"
	ackPollEvery   = 20 * time.Millisecond
	ackDefaultWait = 2 * time.Second
)

// Controller is a dispatch.SelectorController backed by Redis: SetPosition
// pushes a "select:<n>" command and polls the position hash for the DSP
// bridge's ack; Position reads the hash directly; Watch subscribes to the
// bridge's push-notification channel.
type Controller struct {
	redis   *redis.Client
	log     *slog.Logger
	ackWait time.Duration
}

// NewController dials redisAddr directly with go-redis, exactly as the
// teacher's bmx.Client and alarm.Controller do for their own sibling
// services.
func NewController(redisAddr string, log *slog.Logger) (*Controller, error) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, DB: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Controller{redis: rdb, log: log, ackWait: ackDefaultWait}, nil
}

// Close closes the underlying Redis connection.
func (c *Controller) Close() error {
	return c.redis.Close()
}

// SetPosition pushes the select command and waits for the bridge to report
// back the same position, the stand-in for the UDP request/ACK round-trip
// spec.md §6 describes (out of scope as a UDP implementation; SelectorIOError
// wrapping of a timeout happens one layer up, in dispatch.Machine).
func (c *Controller) SetPosition(ctx context.Context, position int) error {
	cmd := fmt.Sprintf("select:%d", position)
	if err := c.redis.LPush(ctx, commandKey, cmd).Err(); err != nil {
		return fmt.Errorf("failed to push selector command: %w", err)
	}

	deadline := time.Now().Add(c.ackWait)
	ticker := time.NewTicker(ackPollEvery)
	defer ticker.Stop()

	for {
		current, err := c.Position(ctx)
		if err == nil && current == position {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("selector did not ack position %d within %s", position, c.ackWait)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Position reads the bridge's last-reported position.
func (c *Controller) Position(ctx context.Context) (int, error) {
	raw, err := c.redis.HGet(ctx, positionHash, positionField).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read selector position: %w", err)
	}
	pos, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("selector position %q is not an integer: %w", raw, err)
	}
	return pos, nil
}

// Watch subscribes to externally caused position changes. Each push on the
// bridge's notification channel triggers a hash read-back, mirroring the
// teacher's SubscribeToVehicleState pattern (channel push -> HGet).
func (c *Controller) Watch(ctx context.Context) (<-chan int, error) {
	pubsub := c.redis.Subscribe(ctx, channelKey)
	ch := pubsub.Channel()
	out := make(chan int)

	go func() {
		defer pubsub.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload != "position" {
					continue
				}
				pos, err := c.Position(ctx)
				if err != nil {
					c.log.Warn("failed to read externally pushed selector position", "err", err)
					continue
				}
				select {
				case out <- pos:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
