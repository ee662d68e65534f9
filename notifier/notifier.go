// Package notifier turns changes to the widget file into
// notifications/resources/updated messages for every active session.
//
// Changes flow through an events.Bus: the filesystem watcher publishes a
// ResourceChanged event and every process subscribed to the topic fans it out
// to its own sessions. With the default in-memory bus this is a local loop;
// with the Redis bus a save seen by one process reaches the whole fleet.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-quote-server/events"
	"github.com/ggoodman/mcp-quote-server/events/memorybus"
	"github.com/ggoodman/mcp-quote-server/metrics"
	"github.com/ggoodman/mcp-quote-server/sessions"
	"github.com/ggoodman/mcp-quote-server/widget"
)

// DefaultTopic is the bus topic change events are published on.
const DefaultTopic = "quote-server:widget-changed"

// DefaultDebounce collapses the burst of events editors emit for one save.
const DefaultDebounce = 50 * time.Millisecond

// Option configures a Notifier.
type Option func(*Notifier)

// WithWatchPath watches the file at path. Without it Run only relays bus
// events.
func WithWatchPath(path string) Option {
	return func(n *Notifier) { n.path = path }
}

// WithURI sets the resource URI announced for changes to the watched file.
func WithURI(uri string) Option {
	return func(n *Notifier) { n.uri = uri }
}

// WithBus sets the change bus. The default is a private in-memory bus.
func WithBus(b events.Bus) Option {
	return func(n *Notifier) { n.bus = b }
}

// WithTopic sets the bus topic.
func WithTopic(topic string) Option {
	return func(n *Notifier) {
		if topic != "" {
			n.topic = topic
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithMetrics records broadcast metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithDebounce sets the quiet period after a filesystem event before a change
// is published. Zero publishes immediately.
func WithDebounce(d time.Duration) Option {
	return func(n *Notifier) { n.debounce = d }
}

// Notifier watches the widget file and fans changes out to live sessions.
type Notifier struct {
	registry *sessions.Registry
	path     string
	uri      string
	bus      events.Bus
	topic    string
	origin   string
	debounce time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Result summarizes one Broadcast.
type Result struct {
	Attempted int
	Delivered int
	// Err joins every per-session failure. It is nil when all succeeded.
	Err error
}

// New returns a Notifier that fans out to the sessions in registry.
func New(registry *sessions.Registry, opts ...Option) *Notifier {
	n := &Notifier{
		registry: registry,
		uri:      widget.URI,
		topic:    DefaultTopic,
		origin:   uuid.NewString(),
		debounce: DefaultDebounce,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.bus == nil {
		n.bus = memorybus.New()
	}
	return n
}

// Run relays bus events to sessions and, when a watch path is configured,
// publishes filesystem changes to the bus. It returns when ctx is done, or
// earlier if the watcher or subscription cannot be started.
func (n *Notifier) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan struct{})
	var once sync.Once
	subCtx := events.WithSubscribed(ctx, func() { once.Do(func() { close(ready) }) })

	subErr := make(chan error, 1)
	go func() {
		subErr <- n.bus.Subscribe(subCtx, n.topic, func(ctx context.Context, payload []byte) error {
			n.deliver(ctx, payload)
			return nil
		})
	}()

	// Changes detected before the subscription is live would be lost.
	select {
	case <-ready:
	case <-ctx.Done():
		return nil
	case err := <-subErr:
		return n.subscriptionEnded(ctx, err)
	}

	if n.path == "" {
		return n.wait(ctx, subErr)
	}

	w, err := n.watch()
	if err != nil {
		return err
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	name := filepath.Base(n.path)
	db := &debouncer{interval: n.debounce, fire: func() { n.publish(ctx) }}
	defer db.stop()

	n.log.InfoContext(ctx, "notifier.watch.start", slog.String("path", n.path), slog.String("uri", n.uri))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErr:
			return n.subscriptionEnded(ctx, err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			db.trigger()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.log.WarnContext(ctx, "notifier.watch.error", slog.String("err", err.Error()))
		}
	}
}

// watch starts fsnotify on the directory holding the widget file. Watching the
// directory keeps working across atomic rename-replace saves, which would drop
// a watch on the file itself.
func (n *Notifier) watch() (*fsnotify.Watcher, error) {
	dir := filepath.Dir(n.path)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return w, nil
}

func (n *Notifier) wait(ctx context.Context, subErr <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-subErr:
		return n.subscriptionEnded(ctx, err)
	}
}

func (n *Notifier) subscriptionEnded(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	n.log.ErrorContext(ctx, "notifier.subscribe.fail", slog.String("err", fmt.Sprint(err)))
	return fmt.Errorf("change subscription: %w", err)
}

// Publish announces a change to uri on the bus.
func (n *Notifier) Publish(ctx context.Context, uri string) error {
	payload, err := events.ResourceChanged{URI: uri, Origin: n.origin}.Encode()
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, n.topic, payload)
}

func (n *Notifier) publish(ctx context.Context) {
	if err := n.Publish(ctx, n.uri); err != nil {
		if ctx.Err() == nil {
			n.log.WarnContext(ctx, "notifier.publish.fail", slog.String("uri", n.uri), slog.String("err", err.Error()))
		}
		return
	}
	n.log.DebugContext(ctx, "notifier.publish.ok", slog.String("uri", n.uri))
}

func (n *Notifier) deliver(ctx context.Context, payload []byte) {
	ev, err := events.DecodeResourceChanged(payload)
	if err != nil {
		n.log.WarnContext(ctx, "notifier.event.invalid", slog.String("err", err.Error()))
		return
	}
	n.log.DebugContext(ctx, "notifier.event", slog.String("uri", ev.URI), slog.Bool("local", ev.Origin == n.origin))
	n.Broadcast(ctx, ev.URI)
}

// Broadcast sends one resource-updated notification to every session live at
// the time of the call. Failures are collected and logged; they never stop
// delivery to the remaining sessions.
func (n *Notifier) Broadcast(ctx context.Context, uri string) Result {
	start := time.Now()
	targets := n.registry.Snapshot()

	var res Result
	var errs []error
	for _, sess := range targets {
		res.Attempted++
		if err := notifyOne(ctx, sess, uri); err != nil {
			errs = append(errs, err)
			n.metrics.Notification(false)
			continue
		}
		res.Delivered++
		n.metrics.Notification(true)
	}
	res.Err = errors.Join(errs...)
	n.metrics.Broadcast()

	attrs := []any{
		slog.String("uri", uri),
		slog.Int("attempted", res.Attempted),
		slog.Int("delivered", res.Delivered),
		slog.Duration("dur", time.Since(start)),
	}
	if res.Err != nil {
		n.log.WarnContext(ctx, "notifier.broadcast.fail", append(attrs, slog.String("err", res.Err.Error()))...)
	} else {
		n.log.InfoContext(ctx, "notifier.broadcast.ok", attrs...)
	}
	return res
}

func notifyOne(ctx context.Context, sess *sessions.Session, uri string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s: panic: %v", sess.ID(), r)
		}
	}()
	return sess.NotifyResourceUpdated(ctx, uri)
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	stopped  bool
	fire     func()
}

// trigger schedules fire after the interval, restarting the wait if a call is
// already pending.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.interval <= 0 {
		go d.fire()
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.fire)
		return
	}
	d.timer.Reset(d.interval)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
