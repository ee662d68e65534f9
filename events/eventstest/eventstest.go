// Package eventstest is a conformance suite for events.Bus implementations.
package eventstest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-quote-server/events"
)

// BusFactory creates a fresh bus for one test.
type BusFactory func(t *testing.T) events.Bus

// settle gives a subscription time to be established before publishing.
const settle = 100 * time.Millisecond

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerError(t, factory)
	})
	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		testClose(t, factory)
	})
	t.Run("SubscribedSignalsRegistration", func(t *testing.T) {
		testSubscribed(t, factory)
	})
}

type collector struct {
	mu   sync.Mutex
	got  [][]byte
	recv chan struct{}
}

func newCollector() *collector { return &collector{recv: make(chan struct{}, 16)} }

func (c *collector) handle(_ context.Context, payload []byte) error {
	c.mu.Lock()
	c.got = append(c.got, payload)
	c.mu.Unlock()
	c.recv <- struct{}{}
	return nil
}

func (c *collector) payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

func subscribe(ctx context.Context, b events.Bus, topic string, fn events.Handler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, topic, fn) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end within timeout")
		return nil
	}
}

func waitRecv(t *testing.T, c *collector) {
	t.Helper()
	select {
	case <-c.recv:
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered within timeout")
	}
}

func testPublishAndSubscribe(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	done := subscribe(ctx, b, "widget", c.handle)
	time.Sleep(settle)

	if err := b.Publish(ctx, "widget", []byte(`{"uri":"ui://widget/quote.html"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitRecv(t, c)
	cancel()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe returned %v, want context.Canceled", err)
	}
	got := c.payloads()
	if len(got) != 1 || string(got[0]) != `{"uri":"ui://widget/quote.html"}` {
		t.Fatalf("unexpected payloads %q", got)
	}
}

func testMultipleSubscribers(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := newCollector(), newCollector()
	done1 := subscribe(ctx, b, "fanout", c1.handle)
	done2 := subscribe(ctx, b, "fanout", c2.handle)
	time.Sleep(settle)

	if err := b.Publish(ctx, "fanout", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitRecv(t, c1)
	waitRecv(t, c2)
	cancel()
	waitDone(t, done1)
	waitDone(t, done2)
}

func testTopicIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, other := newCollector(), newCollector()
	doneA := subscribe(ctx, b, "topic-a", a.handle)
	doneB := subscribe(ctx, b, "topic-b", other.handle)
	time.Sleep(settle)

	if err := b.Publish(ctx, "topic-a", []byte("only-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitRecv(t, a)
	time.Sleep(settle)
	cancel()
	waitDone(t, doneA)
	waitDone(t, doneB)

	if n := len(other.payloads()); n != 0 {
		t.Fatalf("topic-b received %d payloads, want 0", n)
	}
}

func testContextCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := subscribe(ctx, b, "cancel", func(context.Context, []byte) error { return nil })
	time.Sleep(settle)
	cancel()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe returned %v, want context.Canceled", err)
	}
}

func testHandlerError(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	done := subscribe(ctx, b, "fail", func(context.Context, []byte) error { return boom })
	time.Sleep(settle)

	if err := b.Publish(ctx, "fail", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, boom) {
		t.Fatalf("Subscribe returned %v, want handler error", err)
	}
}

func testClose(t *testing.T, factory BusFactory) {
	b := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := subscribe(ctx, b, "closing", func(context.Context, []byte) error { return nil })
	time.Sleep(settle)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, events.ErrClosed) {
		t.Fatalf("Subscribe returned %v, want ErrClosed", err)
	}
	if err := b.Publish(ctx, "closing", []byte("x")); !errors.Is(err, events.ErrClosed) {
		t.Fatalf("Publish after Close returned %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func testSubscribed(t *testing.T, factory BusFactory) {
	b := factory(t)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	var once sync.Once
	c := newCollector()
	done := subscribe(events.WithSubscribed(ctx, func() { once.Do(func() { close(ready) }) }), b, "ready", c.handle)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribed was not signalled")
	}

	// No settle delay: once signalled, the next publish must be delivered.
	if err := b.Publish(ctx, "ready", []byte("first")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-c.recv:
	case <-time.After(2 * time.Second):
		t.Fatal("publish right after Subscribed was lost")
	}
	if got := c.payloads(); len(got) != 1 || string(got[0]) != "first" {
		t.Fatalf("payloads = %q", got)
	}

	cancel()
	_ = waitDone(t, done)
}
