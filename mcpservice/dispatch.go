package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-quote-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-quote-server/internal/logctx"
	"github.com/ggoodman/mcp-quote-server/mcp"
)

// HandleRequest processes one inbound JSON-RPC request or notification and
// returns the response to send. Notifications yield a nil response. The
// returned error is reserved for failures to build a response at all.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   requestType(req),
	})

	if req.IsNotification() {
		s.handleNotification(ctx, req)
		return nil, nil
	}

	var (
		result any
		err    error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, err = s.handleInitialize(ctx, req.Params)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result = mcp.ListToolsResult{Tools: s.tools.Snapshot()}
	case mcp.ToolsCallMethod:
		result, err = s.handleToolCall(ctx, req.Params)
	case mcp.ResourcesListMethod:
		result = mcp.ListResourcesResult{Resources: s.resources.Snapshot()}
	case mcp.ResourcesTemplatesListMethod:
		result = mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}}
	case mcp.ResourcesReadMethod:
		result, err = s.handleResourceRead(ctx, req.Params)
	case mcp.ResourcesSubscribeMethod, mcp.ResourcesUnsubscribeMethod:
		result, err = s.handleSubscription(req.Params)
	default:
		s.log.DebugContext(ctx, "rpc.method_not_found")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
	}

	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			s.log.InfoContext(ctx, "rpc.handle.rejected", slog.String("err", pe.Message), slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, pe.Code, pe.Message, nil), nil
		}
		s.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "rpc.handle.ok", slog.Duration("dur", time.Since(start)))
	return res, nil
}

func requestType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}

func (s *Server) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		s.log.DebugContext(ctx, "rpc.initialized")
	case mcp.CancelledNotificationMethod:
		// Requests are handled synchronously; there is nothing in flight to cancel.
	default:
		s.log.DebugContext(ctx, "rpc.notification.ignored")
	}
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (*mcp.InitializeResult, error) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(params, &initReq); err != nil {
		return nil, InvalidParams("invalid params")
	}

	version := negotiate(initReq.ProtocolVersion)

	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()

	s.log.InfoContext(ctx, "rpc.initialize",
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("requested_version", initReq.ProtocolVersion),
		slog.String("protocol_version", version),
	)

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.Capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (*mcp.CallToolResult, error) {
	var callReq mcp.CallToolRequestReceived
	if err := json.Unmarshal(params, &callReq); err != nil || callReq.Name == "" {
		return nil, InvalidParams("invalid params")
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: callReq.Name})

	start := time.Now()
	res, err := s.tools.Call(ctx, &callReq)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "tool.call.ok", slog.Bool("is_error", res.IsError), slog.Duration("dur", time.Since(start)))
	return res, nil
}

func (s *Server) handleResourceRead(ctx context.Context, params json.RawMessage) (*mcp.ReadResourceResult, error) {
	var readReq mcp.ReadResourceRequest
	if err := json.Unmarshal(params, &readReq); err != nil || readReq.URI == "" {
		return nil, InvalidParams("invalid params")
	}

	contents, err := s.resources.Read(ctx, readReq.URI)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

func (s *Server) handleSubscription(params json.RawMessage) (*mcp.EmptyResult, error) {
	var subReq mcp.SubscribeRequest
	if err := json.Unmarshal(params, &subReq); err != nil || subReq.URI == "" {
		return nil, InvalidParams("invalid params")
	}
	if !s.resources.Has(subReq.URI) {
		return nil, InvalidParams("Resource %s not found", subReq.URI)
	}
	return &mcp.EmptyResult{}, nil
}
