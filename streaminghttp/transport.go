package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/sessions"
)

var (
	// ErrNoStream is returned by Send when the request has no open event
	// stream to carry server-initiated messages.
	ErrNoStream = errors.New("no open event stream")
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context. It serializes concurrent writes/flushes and avoids writing after
// ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event whose data field is payload and
// flushes it to the client.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// requestTransport is the sessions.Transport for one HTTP request. Only a GET
// request opens an event stream; on POST and DELETE Send reports ErrNoStream.
type requestTransport struct {
	mu     sync.Mutex
	stream *lockedWriteFlusher
	closed bool
}

var _ sessions.Transport = (*requestTransport)(nil)

func (t *requestTransport) attach(wf *lockedWriteFlusher) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.stream = wf
	return nil
}

// Send writes msg as an SSE event. The transport lock is held for the whole
// frame so Close cannot return while a write to the response is in flight.
func (t *requestTransport) Send(ctx context.Context, msg *jsonrpc.Request) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.stream == nil {
		return ErrNoStream
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeSSEEvent(t.stream, "", payload)
}

// Close detaches the stream. After Close returns no further writes reach the
// response.
func (t *requestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stream = nil
	return nil
}
