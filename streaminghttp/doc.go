// Package streaminghttp implements the MCP streamable HTTP transport for the
// quote server. It mounts as a standard net/http handler.
//
// Every request to /mcp is stateless: the handler opens a fresh session via
// sessions.Manager, serves the request against it and closes it before the
// handler returns or as soon as the client disconnects, whichever comes
// first. No Mcp-Session-Id header is issued.
//
// # Routes
//
//	OPTIONS /mcp   204 with permissive CORS headers
//	GET /          200 text/plain banner
//	POST /mcp      JSON-RPC request, notification or batch
//	GET /mcp       Server-Sent Events stream for server notifications
//	DELETE /mcp    200, tears the per-request session down
//	anything else  404 Not Found
//
// # POST
//
// The Accept header must list both application/json and text/event-stream,
// the body must be application/json and any Mcp-Protocol-Version header must
// name a supported revision. Replies are always plain JSON: a single object
// for a single request, an array in input order for a batch, and 202 with an
// empty body when the payload carried only notifications.
//
// # GET
//
// The event stream stays open until the client disconnects or the session is
// closed by shutdown. Resource change notifications fanned out by the notifier
// package are written here as data-only SSE frames.
//
// # Error Handling
//
// Transport-level problems map to HTTP status codes with a JSON-RPC error body
// carrying a null id. A panic or unexpected error in the handler becomes a 500
// "Internal server error" if the response has not been committed yet.
package streaminghttp
