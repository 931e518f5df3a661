// Package lampsink implements dispatch.LampSink over Redis: each tri-color
// lamp channel is a small hash plus a change notification, consumed by a
// sibling hardware-bridge process that drives the physical LED. Grounded on
// the teacher's internal/alarm.Controller Start/Stop pattern (HSet the new
// state, then Publish the change on the same key).
package lampsink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

// Sink is a dispatch.LampSink for one lamp channel of one studio, backed by
// the hash "lamp:<studio>:<channel>" and a pub/sub announcement on the same
// key.
type Sink struct {
	redis   *redis.Client
	log     *slog.Logger
	hashKey string
}

// NewSink creates a Sink for the given studio name and channel ("main" or
// "immediate"), sharing rdb with every other Sink in the deployment.
func NewSink(rdb *redis.Client, log *slog.Logger, studioName, channel string) *Sink {
	return &Sink{
		redis:   rdb,
		log:     log,
		hashKey: fmt.Sprintf("lamp:%s:%s", studioName, channel),
	}
}

// SetState writes the lamp target and announces the change. The bridge
// process translates State's blink frequency (spec.md §4.5) into physical
// output; this package's job ends at the Redis boundary.
func (s *Sink) SetState(state dispatch.TriColorLampState) error {
	ctx := context.Background()
	if err := s.redis.HSet(ctx, s.hashKey, map[string]interface{}{
		"state": state.State.String(),
		"color": state.Color.String(),
	}).Err(); err != nil {
		return fmt.Errorf("failed to write lamp state %s: %w", s.hashKey, err)
	}
	if err := s.redis.Publish(ctx, s.hashKey, "state").Err(); err != nil {
		return fmt.Errorf("failed to announce lamp state %s: %w", s.hashKey, err)
	}
	return nil
}

// Dial opens the shared go-redis client every Sink in a deployment uses,
// identical in shape to the teacher's alarm.Controller/bmx.Client dial.
func Dial(redisAddr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, DB: 0})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
