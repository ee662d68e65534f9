package notifier

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-quote-server/events"
	"github.com/ggoodman/mcp-quote-server/events/memorybus"
	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/sessions"
	"github.com/ggoodman/mcp-quote-server/widget"
)

type recordingTransport struct {
	mu    sync.Mutex
	sent  []*jsonrpc.Request
	got   chan struct{}
	fail  error
	panic bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{got: make(chan struct{}, 16)}
}

func (r *recordingTransport) Send(_ context.Context, msg *jsonrpc.Request) error {
	if r.panic {
		panic("transport exploded")
	}
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func open(t *testing.T, m *sessions.Manager, tr sessions.Transport) *sessions.Session {
	t.Helper()
	sess, err := m.Open(context.Background(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(sessions.CloseConnection) })
	return sess
}

func waitNotified(t *testing.T, tr *recordingTransport) {
	t.Helper()
	select {
	case <-tr.got:
	case <-time.After(3 * time.Second):
		t.Fatal("no notification within timeout")
	}
}

func TestBroadcastReachesEveryActiveSession(t *testing.T) {
	t.Parallel()

	m := sessions.NewManager(nil)
	a, b, closed := newRecordingTransport(), newRecordingTransport(), newRecordingTransport()
	open(t, m, a)
	open(t, m, b)
	gone := open(t, m, closed)
	_ = gone.Close(sessions.CloseConnection)

	n := New(m.Registry())
	res := n.Broadcast(context.Background(), widget.URI)
	if res.Attempted != 2 || res.Delivered != 2 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("each session should get exactly one notification: a=%d b=%d", a.count(), b.count())
	}
	if closed.count() != 0 {
		t.Fatalf("closed session was notified")
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()

	m := sessions.NewManager(nil)
	good := newRecordingTransport()
	failing := newRecordingTransport()
	failing.fail = errors.New("write: broken pipe")
	panicking := newRecordingTransport()
	panicking.panic = true
	open(t, m, failing)
	open(t, m, panicking)
	open(t, m, good)

	res := New(m.Registry()).Broadcast(context.Background(), widget.URI)
	if res.Attempted != 3 {
		t.Fatalf("attempted = %d, want 3", res.Attempted)
	}
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", res.Delivered)
	}
	if res.Err == nil {
		t.Fatalf("expected joined error")
	}
	if good.count() != 1 {
		t.Fatalf("healthy session missed the notification")
	}
}

func TestBroadcastWithNoSessions(t *testing.T) {
	t.Parallel()

	res := New(sessions.NewRegistry()).Broadcast(context.Background(), widget.URI)
	if res.Attempted != 0 || res.Delivered != 0 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunRelaysBusEvents(t *testing.T) {
	t.Parallel()

	m := sessions.NewManager(nil)
	tr := newRecordingTransport()
	open(t, m, tr)

	bus := memorybus.New()
	n := New(m.Registry(), WithBus(bus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := n.Publish(ctx, widget.URI); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitNotified(t, tr)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunWatchesWidgetFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "quote-widget.html")
	if err := os.WriteFile(path, []byte("<div>v1</div>"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := sessions.NewManager(nil)
	tr := newRecordingTransport()
	open(t, m, tr)

	n := New(m.Registry(), WithWatchPath(path), WithDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if tr.count() != 0 {
		t.Fatalf("notified for unrelated file")
	}

	if err := os.WriteFile(path, []byte("<div>v2</div>"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitNotified(t, tr)

	// Atomic rename-replace saves are still observed.
	tmp := filepath.Join(dir, ".quote-widget.html.tmp")
	if err := os.WriteFile(tmp, []byte("<div>v3</div>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitNotified(t, tr)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// gatedBus holds every Subscribe until release is closed.
type gatedBus struct {
	*memorybus.Bus
	release chan struct{}
}

func (g *gatedBus) Subscribe(ctx context.Context, topic string, fn events.Handler) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Bus.Subscribe(ctx, topic, fn)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Contains(b.buf.Bytes(), []byte(s))
}

func TestRunWatchesOnlyAfterSubscribing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quote-widget.html")
	if err := os.WriteFile(path, []byte("<div>v1</div>"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := sessions.NewManager(nil)
	tr := newRecordingTransport()
	open(t, m, tr)

	bus := &gatedBus{Bus: memorybus.New(), release: make(chan struct{})}
	t.Cleanup(func() { _ = bus.Close() })
	var logs syncBuffer
	n := New(m.Registry(),
		WithBus(bus),
		WithWatchPath(path),
		WithDebounce(10*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if logs.contains("notifier.watch.start") {
		t.Fatalf("watcher started before the subscription was registered")
	}

	close(bus.release)
	deadline := time.Now().Add(3 * time.Second)
	for !logs.contains("notifier.watch.start") {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start after subscribing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The first save after the watcher starts is delivered.
	if err := os.WriteFile(path, []byte("<div>v2</div>"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitNotified(t, tr)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunFailsForMissingDirectory(t *testing.T) {
	t.Parallel()

	n := New(sessions.NewRegistry(), WithWatchPath(filepath.Join(t.TempDir(), "missing", "w.html")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Run(ctx); err == nil {
		t.Fatalf("expected error for missing watch directory")
	}
}
