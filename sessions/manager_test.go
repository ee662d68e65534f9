package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/mcp"
	"github.com/ggoodman/mcp-quote-server/mcpservice"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*jsonrpc.Request
	closed atomic.Int32
	err    error
}

func (f *fakeTransport) Send(_ context.Context, msg *jsonrpc.Request) error {
	if f.closed.Load() > 0 {
		return errors.New("transport closed")
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeTransport) messages() []*jsonrpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*jsonrpc.Request(nil), f.sent...)
}

const testURI = "ui://widget/test.html"

func testRegistrar() Registrar {
	return RegistrarFunc(func(ctx context.Context, srv *mcpservice.Server) error {
		return srv.Resources().Add(mcpservice.StaticResource{
			Descriptor: mcp.Resource{URI: testURI, Name: "test"},
			Read: func(context.Context) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{{URI: testURI, Text: "hi"}}, nil
			},
		})
	})
}

func TestOpenActivatesAndRegisters(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	tr := &fakeTransport{}
	sess, err := m.Open(context.Background(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := sess.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	if sess.ID() == "" {
		t.Fatalf("expected session id")
	}
	if got, ok := m.Registry().Get(sess.ID()); !ok || got != sess {
		t.Fatalf("session not registered")
	}
	if !sess.Server().Resources().Has(testURI) {
		t.Fatalf("registrar did not attach resource")
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	seen := map[string]bool{}
	for range 20 {
		sess, err := m.Open(context.Background(), &fakeTransport{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if seen[sess.ID()] {
			t.Fatalf("duplicate session id %s", sess.ID())
		}
		seen[sess.ID()] = true
	}
	if got := m.Registry().Len(); got != 20 {
		t.Fatalf("registry len = %d, want 20", got)
	}
}

func TestConcurrentCloseRunsOnce(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	tr := &fakeTransport{}
	sess, err := m.Open(context.Background(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason := CloseConnection
			if i%2 == 0 {
				reason = CloseError
			}
			_ = sess.Close(reason)
		}()
	}
	wg.Wait()

	if got := tr.closed.Load(); got != 1 {
		t.Fatalf("transport closed %d times, want 1", got)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("session still registered after close")
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestCloseKeepsFirstReason(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	sess, err := m.Open(context.Background(), &fakeTransport{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = sess.Close(CloseConnection)
	_ = sess.Close(CloseShutdown)
	if got := sess.CloseReason(); got != CloseConnection {
		t.Fatalf("reason = %s, want connection", got)
	}
}

func TestRegistrarFailureClosesSession(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m := NewManager(RegistrarFunc(func(context.Context, *mcpservice.Server) error { return boom }))
	tr := &fakeTransport{}
	sess, err := m.Open(context.Background(), tr)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session")
	}
	if tr.closed.Load() != 1 {
		t.Fatalf("transport not closed on failed open")
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("failed session registered")
	}
}

func TestNotifyResourceUpdated(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	tr := &fakeTransport{}
	sess, err := m.Open(context.Background(), tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.NotifyResourceUpdated(context.Background(), testURI); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs := tr.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Method != string(mcp.ResourcesUpdatedNotificationMethod) || !msgs[0].IsNotification() {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	var params mcp.ResourceUpdatedNotification
	if err := json.Unmarshal(msgs[0].Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.URI != testURI {
		t.Fatalf("uri = %q", params.URI)
	}

	_ = sess.Close(CloseConnection)
	if err := sess.NotifyResourceUpdated(context.Background(), testURI); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("notify after close err = %v, want ErrSessionClosed", err)
	}
	if len(tr.messages()) != 1 {
		t.Fatalf("message sent after close")
	}
}

func TestHandleRequiresActive(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	sess, err := m.Open(context.Background(), &fakeTransport{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID(1)}
	res, err := sess.Handle(context.Background(), req)
	if err != nil || res == nil || res.Error != nil {
		t.Fatalf("ping: res=%+v err=%v", res, err)
	}

	_ = sess.Close(CloseConnection)
	if _, err := sess.Handle(context.Background(), req); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("handle after close err = %v", err)
	}
}

func TestShutdownClosesAllAndRejectsOpen(t *testing.T) {
	t.Parallel()

	m := NewManager(testRegistrar())
	var transports []*fakeTransport
	var sessions []*Session
	for range 3 {
		tr := &fakeTransport{}
		sess, err := m.Open(context.Background(), tr)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		transports = append(transports, tr)
		sessions = append(sessions, sess)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i, sess := range sessions {
		if sess.CloseReason() != CloseShutdown {
			t.Fatalf("session %d reason = %s", i, sess.CloseReason())
		}
		if transports[i].closed.Load() != 1 {
			t.Fatalf("session %d transport not closed", i)
		}
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("registry not empty after shutdown")
	}
	if _, err := m.Open(context.Background(), &fakeTransport{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Open after shutdown err = %v", err)
	}
}

func TestRegistryRemoveIsIdentityAware(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newSession("same", nil, nil)
	b := newSession("same", nil, nil)
	r.Add(a)
	if r.Remove(b) {
		t.Fatalf("removed a different session with the same id")
	}
	if !r.Remove(a) {
		t.Fatalf("failed to remove registered session")
	}
	if r.Remove(a) {
		t.Fatalf("second remove reported success")
	}
}

func TestStatesOnlyMoveForward(t *testing.T) {
	t.Parallel()

	s := newSession("s", nil, nil)
	if err := s.bind(&fakeTransport{}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.bind(&fakeTransport{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second bind err = %v, want ErrInvalidTransition", err)
	}

	s.mu.Lock()
	err := s.advance(StateCreated)
	s.mu.Unlock()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("backward advance err = %v, want ErrInvalidTransition", err)
	}

	_ = s.Close(CloseError)
	if err := s.activate(nil, NewRegistry()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("activate after close err = %v, want ErrSessionClosed", err)
	}
}
