package mcpservice

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
)

// ErrDuplicate is returned when a tool or resource name is registered twice
// on the same server.
var ErrDuplicate = errors.New("already registered")

// ProtocolError is returned by capability handlers that want a specific
// JSON-RPC error code instead of the default internal error.
type ProtocolError struct {
	Code    jsonrpc.ErrorCode
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// InvalidParams builds a ProtocolError with code -32602.
func InvalidParams(format string, args ...any) error {
	return &ProtocolError{Code: jsonrpc.ErrorCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}
