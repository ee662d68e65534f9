package mcpservice

import (
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-quote-server/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the capability set of one protocol session: its tools, its
// resources and the negotiated protocol state. A Server is not shared between
// sessions.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger

	tools     *ToolsContainer
	resources *ResourcesContainer

	mu              sync.Mutex
	attached        map[string]struct{}
	protocolVersion string
	initialized     bool
}

// NewServer builds an empty capability set.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:      mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"},
		log:       slog.New(slog.DiscardHandler),
		tools:     NewToolsContainer(),
		resources: NewResourcesContainer(),
		attached:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Info returns the server implementation info.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Tools returns the server's tool set.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// Resources returns the server's resource set.
func (s *Server) Resources() *ResourcesContainer { return s.resources }

// MarkAttached records that the registrar identified by key has attached its
// capabilities. It reports true only for the first call with a given key, so
// registrars can make repeated attachment a no-op.
func (s *Server) MarkAttached(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[key]; ok {
		return false
	}
	s.attached[key] = struct{}{}
	return true
}

// ProtocolVersion returns the version negotiated by initialize, or "" before
// initialize has been handled.
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Initialized reports whether the client has sent notifications/initialized.
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Capabilities returns the capabilities advertised from initialize.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.resources.Len() > 0 {
		caps.Resources = &mcp.ResourcesCapability{Subscribe: true}
	}
	if s.tools.Len() > 0 {
		caps.Tools = &mcp.ToolsCapability{}
	}
	return caps
}

// negotiate returns the protocol version to answer a client request with.
func negotiate(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}
