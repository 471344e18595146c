package mcp

import (
	"context"
	"encoding/json"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool is a remotely callable operation.
//
// Execute receives the raw "arguments" object (never nil; "{}" when the
// caller sent none). Returning an *Error selects the protocol error code; any
// other error is reported as ToolExecutionError.
type Tool interface {
	Definition() *sdk.Tool
	Execute(ctx context.Context, args json.RawMessage, call CallInfo) (any, error)
}

// CallInfo describes where a tool call came from.
type CallInfo struct {
	Transport    string
	ConnectionID string
	RequestID    string
	// Trusted surfaces receive underlying error details.
	Trusted bool
}

// ToolFunc is the signature of a tool implementation.
type ToolFunc func(ctx context.Context, args json.RawMessage, call CallInfo) (any, error)

type funcTool struct {
	def *sdk.Tool
	fn  ToolFunc
}

// NewTool wraps fn as a Tool with definition def.
func NewTool(def *sdk.Tool, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() *sdk.Tool { return t.def }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage, call CallInfo) (any, error) {
	return t.fn(ctx, args, call)
}

// EchoTool returns its arguments unchanged.
func EchoTool() Tool {
	return NewTool(&sdk.Tool{
		Name:        "echo",
		Description: "Return the supplied arguments unchanged",
		InputSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
	}, func(_ context.Context, args json.RawMessage, _ CallInfo) (any, error) {
		return args, nil
	})
}
