// Package memorybus is an in-process events.Bus backed by channels. It is the
// default when no Redis address is configured and is used in tests.
package memorybus

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-quote-server/events"
)

const subscriberBuffer = 64

// Bus implements events.Bus for a single process.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

type subscriber struct {
	ch chan []byte
}

var _ events.Bus = (*Bus)(nil)

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

// Publish copies payload to every subscriber of topic. A subscriber whose
// buffer is full misses the payload.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return events.ErrClosed
	}
	for sub := range b.topics[topic] {
		data := append([]byte(nil), payload...)
		select {
		case sub.ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe implements events.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, fn events.Handler) error {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return events.ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	events.Subscribed(ctx)

	defer func() {
		b.mu.Lock()
		delete(b.topics[topic], sub)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return events.ErrClosed
		case data := <-sub.ch:
			if err := fn(ctx, data); err != nil {
				return err
			}
		}
	}
}

// Close ends every subscription. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
