// Package mcp contains the Model Context Protocol wire types used by the quote
// server. It mirrors the JSON representation of the protocol for the subset of
// methods the server speaks (initialize, ping, tools and resources) while
// keeping the surface Go-friendly: exported structs with json tags and string
// constants for method names.
//
// The package is free of transport logic. The streaminghttp package frames
// these types on the wire and mcpservice builds them as results.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod). Use the constants rather than string literals.
//
// # Protocol Versions
//
// LatestProtocolVersion is offered to clients that request a version the
// server does not know. SupportedProtocolVersions lists every version the
// server will echo back during initialize.
//
// # Metadata
//
// Tools, resources and results carry an optional `_meta` object via
// BaseMetadata or an explicit Meta field. UI-capable hosts use it to find the
// resource that renders a tool's structured output.
package mcp
