package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/internal/logctx"
	"github.com/ggoodman/mcp-quote-server/mcp"
	"github.com/ggoodman/mcp-quote-server/mcpservice"
	"github.com/ggoodman/mcp-quote-server/metrics"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateConnected State = "connected"
	StateActive    State = "active"
	StateClosed    State = "closed"
)

var stateOrder = map[State]int{
	StateCreated:   0,
	StateConnected: 1,
	StateActive:    2,
	StateClosed:    3,
}

// CloseReason records why a session was closed.
type CloseReason string

const (
	CloseConnection CloseReason = "connection"
	CloseError      CloseReason = "error"
	CloseShutdown   CloseReason = "shutdown"
)

var (
	// ErrSessionClosed is returned when operating on a session that is not
	// active.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidTransition is returned for a state change that does not move
	// the session forward by exactly one step.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Transport carries server-initiated messages to the peer of one session.
// Send must be safe to call concurrently with Close and must fail once the
// transport is closed.
type Transport interface {
	Send(ctx context.Context, msg *jsonrpc.Request) error
	Close() error
}

// Session is one live protocol connection.
type Session struct {
	id      string
	created time.Time
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	reason    CloseReason
	transport Transport
	server    *mcpservice.Server
	registry  *Registry

	handleMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newSession(id string, log *slog.Logger, m *metrics.Metrics) *Session {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{
		id:      id,
		created: time.Now(),
		log:     log,
		metrics: m,
		state:   StateCreated,
		done:    make(chan struct{}),
	}
}

// ID returns the session's in-process identity.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns why the session closed, or "" while it is open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Server returns the session's capability set. It is nil before activation.
func (s *Session) Server() *mcpservice.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Done is closed when the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context annotates ctx so log records carry the session id.
func (s *Session) Context(ctx context.Context) context.Context {
	data := &logctx.SessionData{SessionID: s.id}
	if srv := s.Server(); srv != nil {
		data.ProtocolVersion = srv.ProtocolVersion()
	}
	return logctx.WithSessionData(ctx, data)
}

// advance moves the session to next. Only single forward steps are allowed,
// except that any open state may move to Closed. Callers hold s.mu.
func (s *Session) advance(next State) error {
	cur, to := stateOrder[s.state], stateOrder[next]
	if to <= cur || (next != StateClosed && to != cur+1) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	return nil
}

// bind attaches the transport: Created -> Connected.
func (s *Session) bind(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advance(StateConnected); err != nil {
		return err
	}
	s.transport = t
	return nil
}

// activate installs the capability set and publishes the session in reg:
// Connected -> Active. Registration happens under the session lock so a
// concurrent Close either sees the session registered or prevents activation.
func (s *Session) activate(srv *mcpservice.Server, reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if err := s.advance(StateActive); err != nil {
		return err
	}
	s.server = srv
	s.registry = reg
	reg.Add(s)
	return nil
}

// active returns the server and transport if the session is Active.
func (s *Session) active() (*mcpservice.Server, Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, nil, ErrSessionClosed
	}
	return s.server, s.transport, nil
}

// Handle processes one inbound JSON-RPC request or notification. Calls are
// serialized so messages are handled in arrival order.
func (s *Session) Handle(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	srv, _, err := s.active()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := srv.HandleRequest(s.Context(ctx), req)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "fail"
	case res == nil:
		outcome = "notification"
	case res.Error != nil:
		outcome = "error"
	}
	s.metrics.RPC(req.Method, outcome, time.Since(start))
	return res, err
}

// NotifyResourceUpdated tells the peer that the resource at uri changed.
// The content is not embedded; the peer re-reads it.
func (s *Session) NotifyResourceUpdated(ctx context.Context, uri string) error {
	_, t, err := s.active()
	if err != nil {
		return err
	}
	note, err := jsonrpc.NewNotification(string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
	if err != nil {
		return err
	}
	if err := t.Send(ctx, note); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	return nil
}

// Close moves the session to Closed. It runs exactly once: the session is
// removed from the registry, its transport is closed and Done is closed.
// Later calls return the first call's result.
func (s *Session) Close(reason CloseReason) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		_ = s.advance(StateClosed)
		s.reason = reason
		t := s.transport
		reg := s.registry
		s.mu.Unlock()

		if reg != nil {
			reg.Remove(s)
		}
		if t != nil {
			s.closeErr = t.Close()
		}
		close(s.done)

		s.metrics.SessionClosed(string(reason), prev == StateActive)
		s.log.InfoContext(s.Context(context.Background()), "session.close",
			slog.String("reason", string(reason)),
			slog.String("from_state", string(prev)),
			slog.Duration("age", time.Since(s.created)),
		)
	})
	return s.closeErr
}
