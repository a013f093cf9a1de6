// Package mcp implements a Model Context Protocol server for run control.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package provides an MCP-compatible HTTP server that lets external AI
// clients (like Claude Desktop or custom applications) drive conversation
// turns through the gateway.
//
// # Protocol
//
// The server implements the Streamable HTTP transport using JSON-RPC 2.0
// over HTTP POST:
//
//   - POST /mcp - JSON-RPC requests (initialize, tools/list, tools/call)
//   - DELETE /mcp - session termination
//
// Clients first call initialize, which returns an Mcp-Session-Id header to
// send on subsequent requests.
//
// # Tools
//
// Two tools are exposed:
//
//   - run_turn: runs one generation turn in a conversation and returns the
//     final assistant text. The run is detached from the HTTP request, so a
//     dropped connection does not abort the generation.
//   - cancel_turn: cancels a specific in-flight turn. Cancelling a turn that
//     already finished reports an error result rather than failing the call.
//
// # Authentication
//
// When a token verifier is configured, initialize requests carry a bearer
// token:
//
//	Authorization: Bearer <token>
//
// Sessions are bound to the credentials that created them; a DELETE must
// present the same credentials.
package mcp
