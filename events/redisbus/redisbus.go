// Package redisbus is an events.Bus over Redis pub/sub, for running several
// server processes against one widget file.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-quote-server/events"
)

// Config for a Redis-backed bus. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Prefix is prepended to every channel name. ENV: QUOTE_EVENTS_PREFIX
	Prefix string `env:"QUOTE_EVENTS_PREFIX"`
}

// Bus implements events.Bus on Redis PUBLISH/SUBSCRIBE.
type Bus struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
	done   chan struct{}
}

var _ events.Bus = (*Bus)(nil)

// New dials Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{client: cl, prefix: cfg.Prefix, done: make(chan struct{})}, nil
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis bus config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Bus) channel(topic string) string { return b.prefix + topic }

// Publish implements events.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return events.ErrClosed
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe implements events.Bus. Payloads are delivered only after Redis
// has confirmed the subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string, fn events.Handler) error {
	if b.closed.Load() {
		return events.ErrClosed
	}
	ps := b.client.Subscribe(ctx, b.channel(topic))
	defer func() {
		_ = ps.Close()
	}()

	// Wait for the subscription confirmation so publishes that follow are seen.
	if _, err := ps.Receive(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	events.Subscribed(ctx)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return events.ErrClosed
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if err := fn(ctx, []byte(msg.Payload)); err != nil {
				return err
			}
		}
	}
}

// Close marks the bus closed and closes the client if New created it.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	return b.client.Close()
}
