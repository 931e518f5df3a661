package selector

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis dials the same test database (DB 15 on localhost:6379) the teacher's
// internal/alarm.Controller tests use, skipping when Redis isn't reachable.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	return rdb
}

func TestController_SetPositionSucceedsOnBridgeAck(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.FlushDB(context.Background())
	defer rdb.Close()

	c := &Controller{redis: rdb, log: slog.New(slog.NewTextHandler(io.Discard, nil)), ackWait: time.Second}

	// Simulate the DSP bridge: pop the command and report the position back.
	go func() {
		ctx := context.Background()
		if _, err := rdb.BLPop(ctx, time.Second, commandKey).Result(); err != nil {
			return
		}
		rdb.HSet(ctx, positionHash, positionField, "3")
	}()

	if err := c.SetPosition(context.Background(), 3); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	pos, err := c.Position(context.Background())
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 3 {
		t.Errorf("Position() = %d, want 3", pos)
	}
}

func TestController_SetPositionTimesOutWithoutAck(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.FlushDB(context.Background())
	defer rdb.Close()

	c := &Controller{redis: rdb, log: slog.New(slog.NewTextHandler(io.Discard, nil)), ackWait: 50 * time.Millisecond}

	if err := c.SetPosition(context.Background(), 2); err == nil {
		t.Fatalf("expected a timeout error when the bridge never acks, got nil")
	}
}

func TestController_WatchReportsExternallyPushedPosition(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.FlushDB(context.Background())
	defer rdb.Close()

	c := &Controller{redis: rdb, log: slog.New(slog.NewTextHandler(io.Discard, nil)), ackWait: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Give the subscription a moment to establish before publishing.
	time.Sleep(50 * time.Millisecond)
	rdb.HSet(context.Background(), positionHash, positionField, "4")
	rdb.Publish(context.Background(), channelKey, "position")

	select {
	case pos := <-ch:
		if pos != 4 {
			t.Errorf("watched position = %d, want 4", pos)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a watched position change")
	}
}
