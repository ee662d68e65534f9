// Package mcpservice is the capability model behind one protocol session.
//
// A Server holds the session's tools and resources and answers JSON-RPC
// requests for them via HandleRequest: initialize, ping, tools/list,
// tools/call, resources/list, resources/read and the subscription methods.
// Servers are cheap and intended to be built fresh per session; registrars
// populate them through Tools().Add and Resources().Add.
//
// # Tools
//
// NewTool derives a tool's input schema from a Go struct using
// github.com/invopop/jsonschema struct tags:
//
//	type args struct {
//		Email string  `json:"email" jsonschema:"format=email"`
//		Count float64 `json:"count" jsonschema:"minimum=0"`
//	}
//
// Every call is validated against the advertised schema before the handler
// runs. Violations are answered with JSON-RPC invalid params (-32602) and the
// handler is never invoked. Handler errors that are not ProtocolErrors are
// reported as isError tool results.
//
// # Resources
//
// A StaticResource pairs a descriptor with a ResourceReader. Reader errors
// surface as JSON-RPC internal errors on resources/read; they are never
// converted into empty contents.
package mcpservice
