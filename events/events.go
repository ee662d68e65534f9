// Package events defines the cross-process change bus. When several server
// processes share one widget file, a change seen by one process is published
// on the bus so every process can notify its own sessions.
//
// Implementations live in sub-packages: memorybus for a single process and
// redisbus for a fleet sharing a Redis instance.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Handler receives one published payload. Returning an error ends the
// subscription with that error.
type Handler func(ctx context.Context, payload []byte) error

// Bus is a best-effort topic fan-out. Delivery is at most once; subscribers
// only see payloads published after their subscription is established.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers payloads on topic to fn until ctx is cancelled, fn
	// returns an error or the bus is closed. It blocks for the life of the
	// subscription and returns the reason it ended. Once registered it calls
	// Subscribed(ctx).
	Subscribe(ctx context.Context, topic string, fn Handler) error

	// Close ends all subscriptions and releases resources.
	Close() error
}

type subscribedKey struct{}

// WithSubscribed returns a context that makes Subscribe call fn once the
// subscription is registered and will see subsequent publishes.
func WithSubscribed(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, subscribedKey{}, fn)
}

// Subscribed runs the callback installed by WithSubscribed, if any. Bus
// implementations call it from Subscribe.
func Subscribed(ctx context.Context) {
	if fn, ok := ctx.Value(subscribedKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// ResourceChanged is the payload published when a resource changes.
type ResourceChanged struct {
	URI string `json:"uri"`
	// Origin identifies the publishing process in logs. Every process,
	// including the publisher, delivers the event to its own sessions.
	Origin string `json:"origin,omitempty"`
}

// Encode returns the wire form of e.
func (e ResourceChanged) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeResourceChanged parses a ResourceChanged payload.
func DecodeResourceChanged(payload []byte) (ResourceChanged, error) {
	var e ResourceChanged
	if err := json.Unmarshal(payload, &e); err != nil {
		return ResourceChanged{}, fmt.Errorf("decode resource change: %w", err)
	}
	if e.URI == "" {
		return ResourceChanged{}, errors.New("decode resource change: missing uri")
	}
	return e, nil
}
