package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/internal/logctx"
	"github.com/ggoodman/mcp-quote-server/internal/ratelimit"
	"github.com/ggoodman/mcp-quote-server/mcp"
	"github.com/ggoodman/mcp-quote-server/metrics"
	"github.com/ggoodman/mcp-quote-server/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	// MCPPath is the protocol endpoint.
	MCPPath = "/mcp"

	// DefaultBanner is the body served on GET /.
	DefaultBanner = "Insurance Quote MCP server"

	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	defaultMaxBodyBytes = 4 << 20
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger for request events.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics records rate limiting rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimiter applies l to requests on the protocol endpoint. A nil
// limiter disables limiting.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithBanner sets the body served on GET /.
func WithBanner(text string) Option {
	return func(h *Handler) { h.banner = text }
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler routes HTTP requests and runs the stateless protocol transport. Every
// request to the protocol endpoint gets its own session, opened through the
// session manager and closed when the request ends.
type Handler struct {
	mux      *http.ServeMux
	sessions *sessions.Manager
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	banner   string
	maxBody  int64
}

// New returns a Handler that opens sessions with m.
func New(m *sessions.Manager, opts ...Option) *Handler {
	h := &Handler{
		sessions: m,
		log:      slog.New(slog.DiscardHandler),
		banner:   DefaultBanner,
		maxBody:  defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	mcpHandler := ratelimit.Middleware(h.limiter, h.onRateLimited, http.HandlerFunc(h.serveMCP))

	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS "+MCPPath, h.handleOptionsMCP)
	mux.HandleFunc("GET /{$}", h.handleBanner)
	mux.Handle("POST "+MCPPath, mcpHandler)
	mux.Handle("GET "+MCPPath, mcpHandler)
	mux.Handle("DELETE "+MCPPath, mcpHandler)
	// The catch-all matches every method, so unsupported methods on known
	// paths are a 404 rather than ServeMux's 405.
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := &responseWriter{ResponseWriter: w}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       requestPath(r),
	})

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			h.internalError(rw)
		}
	}()

	if !validURL(r) {
		h.log.WarnContext(ctx, "http.url.invalid", slog.String("request_uri", r.RequestURI))
		http.Error(rw, "Missing URL", http.StatusBadRequest)
		return
	}

	r = r.WithContext(ctx)
	// ServeMux would answer unclean paths with a redirect.
	if r.URL.Path != cleanPath(r.URL.Path) {
		h.handleNotFound(rw, r)
		return
	}
	h.mux.ServeHTTP(rw, r)
}

// cleanPath mirrors ServeMux path canonicalization, trailing slash included.
func cleanPath(p string) string {
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}

func validURL(r *http.Request) bool {
	if r.URL == nil {
		return false
	}
	if r.RequestURI == "" {
		return true
	}
	_, err := url.ParseRequestURI(r.RequestURI)
	return err == nil
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Path
}

// internalError answers 500 unless the response is already committed, in which
// case there is nothing left to tell the client.
func (h *Handler) internalError(rw *responseWriter) {
	if rw.committed() {
		return
	}
	http.Error(rw, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) onRateLimited(r *http.Request) {
	h.metrics.RateLimited()
	h.log.WarnContext(r.Context(), "http.rate_limited")
}

func (h *Handler) handleOptionsMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "content-type, mcp-session-id")
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBanner(w http.ResponseWriter, r *http.Request) {
	// GET patterns also match HEAD.
	if r.Method != http.MethodGet {
		h.handleNotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.banner)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.not_found")
	http.Error(w, "Not Found", http.StatusNotFound)
}

// serveMCP opens a session for the request, runs the transport and closes the
// session when the request ends or the client goes away, whichever is first.
func (h *Handler) serveMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	switch r.Method {
	case http.MethodPost, http.MethodGet, http.MethodDelete:
	default:
		// GET patterns also match HEAD.
		h.handleNotFound(w, r)
		return
	}
	rw, ok := w.(*responseWriter)
	if !ok {
		rw = &responseWriter{ResponseWriter: w}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader)

	t := &requestTransport{}
	sess, err := h.sessions.Open(r.Context(), t)
	if err != nil {
		h.log.ErrorContext(r.Context(), "session.open.fail", slog.String("err", err.Error()))
		h.internalError(rw)
		return
	}
	defer func() { _ = sess.Close(sessions.CloseConnection) }()
	stop := context.AfterFunc(r.Context(), func() { _ = sess.Close(sessions.CloseConnection) })
	defer stop()

	ctx := sess.Context(r.Context())
	h.log.InfoContext(ctx, "http."+lowerMethod(r.Method)+".start")

	switch r.Method {
	case http.MethodPost:
		h.handlePost(ctx, rw, r, sess)
	case http.MethodGet:
		h.handleGet(ctx, rw, r, sess, t)
	case http.MethodDelete:
		h.handleDelete(ctx, rw, r, sess)
	}
	h.log.InfoContext(ctx, "http."+lowerMethod(r.Method)+".end", slog.Int("status", rw.statusCode()), slog.Duration("dur", time.Since(start)))
}

func lowerMethod(m string) string {
	switch m {
	case http.MethodPost:
		return "post"
	case http.MethodGet:
		return "get"
	case http.MethodDelete:
		return "delete"
	}
	return "other"
}

// handlePost processes one message or a batch and answers with JSON.
func (h *Handler) handlePost(ctx context.Context, w *responseWriter, r *http.Request, sess *sessions.Session) {
	if !accepts(r, jsonMediaType) || !accepts(r, eventStreamMediaType) {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeTransportError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept both application/json and text/event-stream")
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
		writeTransportError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
		return
	}
	if !h.checkProtocolVersion(ctx, w, r) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTransportError(w, http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeInvalidRequest, "Request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeTransportError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
		return
	}

	msgs, batch, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		if errors.Is(err, jsonrpc.ErrEmptyBatch) {
			writeTransportError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: empty batch")
			return
		}
		writeTransportError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		return
	}

	hasRequests := false
	for i := range msgs {
		if msgs[i].Method == string(mcp.InitializeMethod) && len(msgs) > 1 {
			h.log.WarnContext(ctx, "session.initialize.batched")
			writeTransportError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Only one initialization request is allowed")
			return
		}
		if msgs[i].Type() == "request" {
			hasRequests = true
		}
	}

	var responses []*jsonrpc.Response
	for i := range msgs {
		msg := &msgs[i]
		req := msg.AsRequest()
		if req == nil {
			// Responses are only meaningful for server-initiated requests,
			// which this server never sends.
			h.log.DebugContext(ctx, "jsonrpc.response.ignored", slog.String("id", msg.ID.String()))
			continue
		}
		res, err := sess.Handle(ctx, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
			if req.IsNotification() {
				continue
			}
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
		}
		if res != nil {
			responses = append(responses, res)
		}
	}

	if !hasRequests {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload any = responses
	if !batch && len(responses) == 1 {
		payload = responses[0]
	}
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		h.internalError(w)
		return
	}
	if pv := sess.Server().ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

// handleGet holds an event stream open for server-initiated messages until the
// client disconnects or the session closes.
func (h *Handler) handleGet(ctx context.Context, w *responseWriter, r *http.Request, sess *sessions.Session, t *requestTransport) {
	if !accepts(r, eventStreamMediaType) {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeTransportError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	if !h.checkProtocolVersion(ctx, w, r) {
		return
	}

	f, ok := w.ResponseWriter.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		h.internalError(w)
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Attach before the first flush so the stream can carry messages as soon
	// as the client sees the response.
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	if err := t.attach(wf); err != nil {
		return
	}
	wf.Flush()

	start := time.Now()
	h.log.InfoContext(ctx, "sse.stream.start")
	select {
	case <-r.Context().Done():
	case <-sess.Done():
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete ends the session. Sessions never outlive their request, so
// there is nothing further to release.
func (h *Handler) handleDelete(ctx context.Context, w *responseWriter, r *http.Request, sess *sessions.Session) {
	if !h.checkProtocolVersion(ctx, w, r) {
		return
	}
	if err := sess.Close(sessions.CloseConnection); err != nil {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" || mcp.IsSupportedProtocolVersion(pv) {
		return true
	}
	h.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", pv))
	writeTransportError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError,
		fmt.Sprintf("Bad Request: Unsupported protocol version (supported versions: %v)", mcp.SupportedProtocolVersions))
	return false
}

// accepts reports whether the request's Accept header admits mt. A missing
// header admits nothing; clients must state what they can read.
func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

// writeTransportError answers a request rejected before any message was
// handled. The body is a JSON-RPC error with a null id.
func writeTransportError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// responseWriter tracks whether the status line has been written so error
// paths know if a 500 can still be sent.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) committed() bool { return w.status != 0 }

func (w *responseWriter) statusCode() int { return w.status }

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
