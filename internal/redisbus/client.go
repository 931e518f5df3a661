// Package redisbus wires the dispatcher to its Redis-backed collaborators:
// status publication and the button-event command queue. Grounded on
// librescoot-alarm-service's internal/redis package.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	ipc "github.com/librescoot/redis-ipc"
)

// Client wraps redis-ipc, exactly as the teacher's internal/redis.Client
// does, renamed to this package's domain.
type Client struct {
	ipc *ipc.Client
	log *slog.Logger
}

// NewClient creates a Client talking to addr ("host:port").
func NewClient(addr string, log *slog.Logger) (*Client, error) {
	parts := strings.Split(addr, ":")
	host := "localhost"
	port := 6379

	if len(parts) == 2 {
		host = parts[0]
		if p, err := strconv.Atoi(parts[1]); err == nil {
			port = p
		}
	} else if len(parts) == 1 && parts[0] != "" {
		host = parts[0]
	}

	client, err := ipc.New(
		ipc.WithAddress(host),
		ipc.WithPort(port),
		ipc.WithCodec(ipc.StringCodec{}),
		ipc.WithOnDisconnect(func(err error) {
			if err != nil {
				log.Warn("redis disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis-ipc client: %w", err)
	}

	return &Client{ipc: client, log: log}, nil
}

// Connect verifies the connection is up.
func (c *Client) Connect(ctx context.Context) error {
	if !c.ipc.Connected() {
		return fmt.Errorf("not connected to redis")
	}
	c.log.Info("connected to redis")
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.ipc.Close()
}

// IPC returns the underlying redis-ipc client for direct access by Publisher
// and Subscriber.
func (c *Client) IPC() *ipc.Client {
	return c.ipc
}

// HGet reads a single hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	return c.ipc.HGet(ctx, key, field)
}

// HSet writes a single hash field.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.ipc.HSet(ctx, key, field, value)
}

// Publish fires a pub/sub notification carrying payload on channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	_, err := c.ipc.Publish(ctx, channel, payload)
	return err
}

// Subscribe opens a pub/sub subscription on channel.
func (c *Client) Subscribe(ctx context.Context, channel string) *ipc.PubSub {
	return c.ipc.Subscribe(ctx, channel)
}

// BRPop blocks popping the rightmost element of one of the given lists,
// used for the button-event command queue (internal/redisbus.Subscriber).
func (c *Client) BRPop(ctx context.Context, timeout int, keys ...string) (key, value string, err error) {
	return c.ipc.BRPop(ctx, timeout, keys...)
}

// LPush pushes value onto the left of key, used by command-queue producers
// in tests and by collaborators outside this package (e.g. a web layer).
func (c *Client) LPush(ctx context.Context, key, value string) error {
	return c.ipc.LPush(ctx, key, value)
}
