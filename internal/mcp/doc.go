// Package mcp implements the JSON-RPC 2.0 request protocol shared by every
// transport: envelope decoding, the error code table, the tool registry and
// the dispatcher that routes initialize, tools/list, tools/call and ping.
//
// Transports decode one message, call Dispatcher.Handle and write back the
// response, if any. Tool definitions use the MCP SDK types
// (github.com/modelcontextprotocol/go-sdk/mcp) so they serialize exactly as
// MCP clients expect.
package mcp
