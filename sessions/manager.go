package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-quote-server/mcpservice"
	"github.com/ggoodman/mcp-quote-server/metrics"
)

// ErrShuttingDown is returned by Open after Shutdown has started.
var ErrShuttingDown = errors.New("session manager is shutting down")

// Registrar attaches capabilities to a fresh session capability set.
type Registrar interface {
	Attach(ctx context.Context, srv *mcpservice.Server) error
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(ctx context.Context, srv *mcpservice.Server) error

func (f RegistrarFunc) Attach(ctx context.Context, srv *mcpservice.Server) error { return f(ctx, srv) }

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for lifecycle events. Session capability sets
// log through it as well.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics records lifecycle and RPC metrics.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithServerOptions are applied to every session's capability set.
func WithServerOptions(opts ...mcpservice.ServerOption) Option {
	return func(m *Manager) { m.serverOpts = append(m.serverOpts, opts...) }
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// Manager creates sessions and tracks the live ones in its Registry.
type Manager struct {
	registrar  Registrar
	registry   *Registry
	serverOpts []mcpservice.ServerOption
	log        *slog.Logger
	metrics    *metrics.Metrics

	shutdown atomic.Bool
}

// NewManager returns a Manager that attaches capabilities with registrar.
func NewManager(registrar Registrar, opts ...Option) *Manager {
	m := &Manager{
		registrar: registrar,
		registry:  NewRegistry(),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the live-session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Open creates a session for one inbound connection, binds t, attaches
// capabilities and registers the session. The returned session is Active and
// the caller owns its Close. On error the session, if created, has already
// been closed.
func (m *Manager) Open(ctx context.Context, t Transport) (*Session, error) {
	if m.shutdown.Load() {
		return nil, ErrShuttingDown
	}

	sess := newSession(uuid.NewString(), m.log, m.metrics)
	ctx = sess.Context(ctx)

	if err := sess.bind(t); err != nil {
		_ = sess.Close(CloseError)
		return nil, err
	}

	opts := append([]mcpservice.ServerOption{mcpservice.WithLogger(m.log)}, m.serverOpts...)
	srv := mcpservice.NewServer(opts...)
	if m.registrar != nil {
		if err := m.registrar.Attach(ctx, srv); err != nil {
			m.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
			_ = sess.Close(CloseError)
			return nil, fmt.Errorf("attach capabilities: %w", err)
		}
	}

	if err := sess.activate(srv, m.registry); err != nil {
		_ = sess.Close(CloseError)
		return nil, err
	}
	m.metrics.SessionOpened()
	// Shutdown may have snapshotted the registry before this session joined.
	if m.shutdown.Load() {
		_ = sess.Close(CloseShutdown)
		return nil, ErrShuttingDown
	}

	m.log.DebugContext(ctx, "session.open.ok", slog.Int("live", m.registry.Len()))
	return sess, nil
}

// Shutdown stops accepting sessions and closes every live one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)

	var errs []error
	for _, s := range m.registry.Snapshot() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Close(CloseShutdown); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.ID(), err))
		}
	}
	m.log.InfoContext(ctx, "session.shutdown", slog.Int("remaining", m.registry.Len()))
	return errors.Join(errs...)
}
