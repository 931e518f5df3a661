package lampsink

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	return rdb
}

func TestSink_SetStateWritesHashAndAnnounces(t *testing.T) {
	rdb := newTestRedis(t)
	defer rdb.FlushDB(context.Background())
	defer rdb.Close()

	s := NewSink(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)), "A", "main")

	sub := rdb.Subscribe(context.Background(), s.hashKey)
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch := sub.Channel()

	want := dispatch.TriColorLampState{Color: dispatch.LampGreen, State: dispatch.LampOn}
	if err := s.SetState(want); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Payload != "state" {
			t.Errorf("announcement payload = %q, want state", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the state announcement")
	}

	got, err := rdb.HGetAll(context.Background(), s.hashKey).Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if got["state"] != want.State.String() || got["color"] != want.Color.String() {
		t.Errorf("hash = %v, want state=%s color=%s", got, want.State, want.Color)
	}
}
