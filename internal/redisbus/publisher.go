package redisbus

import (
	"context"
	"fmt"
	"log/slog"

	ipc "github.com/librescoot/redis-ipc"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
)

// Publisher pushes the dispatcher's status snapshot to Redis for a web layer
// to read (spec.md §6's "Status snapshot"). Grounded on the teacher's
// internal/redis.Publisher HashPublisher pattern.
type Publisher struct {
	statusPub *ipc.HashPublisher
	ipc       *ipc.Client
}

// NewPublisher creates a Publisher writing to the "dispatcher" hash.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		statusPub: client.IPC().NewHashPublisher("dispatcher"),
		ipc:       client.IPC(),
	}
}

// PublishStatus writes the current status fields and announces the change on
// the "dispatcher" channel, mirroring the teacher's PublishStatus +
// settings-change Publish pair.
func (p *Publisher) PublishStatus(ctx context.Context, status dispatch.Status) error {
	if err := p.statusPub.Set(ctx, "state", status.State); err != nil {
		return fmt.Errorf("failed to publish dispatcher state: %w", err)
	}
	if err := p.statusPub.Set(ctx, "on_air_studio", status.OnAirStudio); err != nil {
		return fmt.Errorf("failed to publish dispatcher on_air_studio: %w", err)
	}
	if err := p.statusPub.Set(ctx, "x", status.X); err != nil {
		return fmt.Errorf("failed to publish dispatcher x: %w", err)
	}
	if err := p.statusPub.Set(ctx, "y", status.Y); err != nil {
		return fmt.Errorf("failed to publish dispatcher y: %w", err)
	}
	if _, err := p.ipc.Publish(ctx, "dispatcher", "status"); err != nil {
		return fmt.Errorf("failed to announce dispatcher status change: %w", err)
	}
	return nil
}

// Observer adapts PublishStatus into a dispatch.Observer, the subscription
// wired by app.go after Machine.Subscribe. It must not block (spec.md §4.7):
// the Redis round-trip is offloaded onto its own goroutine per delivery.
func (p *Publisher) Observer(ctx context.Context, log *slog.Logger) dispatch.Observer {
	return func(event dispatch.StatusEvent) {
		go func() {
			if err := p.PublishStatus(ctx, event.Status); err != nil {
				log.Warn("failed to publish dispatcher status", "err", err)
			}
		}()
	}
}
