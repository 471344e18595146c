package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Gateway error codes (reserved range -32000 to -32099).
const (
	ToolNotFound        = -32000
	ToolExecutionError  = -32001
	AuthenticationError = -32002
	RateLimitExceeded   = -32003
	ServiceUnavailable  = -32004
)

// Sentinel errors returned by the registry.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Error is a protocol error. Tools may return one to choose the code the
// caller sees; any other error becomes ToolExecutionError.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParamsError reports bad tool arguments.
func InvalidParamsError(format string, args ...any) *Error {
	return NewError(InvalidParams, format, args...)
}

// InternalErrorf reports a server-side failure.
func InternalErrorf(format string, args ...any) *Error {
	return NewError(InternalError, format, args...)
}

// WithData returns a copy of e with key set in Data.
func (e *Error) WithData(key string, value any) *Error {
	cp := *e
	cp.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	cp.Data[key] = value
	return &cp
}

// CodeName returns a stable label for code, used in logs and metrics.
func CodeName(code int) string {
	switch code {
	case ParseError:
		return "parse_error"
	case InvalidRequest:
		return "invalid_request"
	case MethodNotFound:
		return "method_not_found"
	case InvalidParams:
		return "invalid_params"
	case InternalError:
		return "internal_error"
	case ToolNotFound:
		return "tool_not_found"
	case ToolExecutionError:
		return "tool_execution_error"
	case AuthenticationError:
		return "authentication_error"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}
