package mcp

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	// JSONRPCVersion is the only accepted envelope version.
	JSONRPCVersion = "2.0"

	// ListChangedMethod is the notification sent when the tool set changes.
	ListChangedMethod = "notifications/tools/list_changed"

	// ProtocolVersion is reported by initialize.
	ProtocolVersion = "2024-11-05"

	notificationPrefix = "notifications/"
)

var nullID = json.RawMessage("null")

// Request is a decoded JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return r.ID == nil && strings.HasPrefix(r.Method, notificationPrefix)
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: normalizeID(id), Error: err}
}

// NewNotification builds a server notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// Decode parses a request envelope. On failure it returns the error response
// to send back instead.
func Decode(data []byte) (*Request, *Response) {
	if !json.Valid(data) {
		return nil, NewErrorResponse(nil, NewError(ParseError, "Parse error"))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request: expected a JSON object"))
	}

	req := &Request{}
	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			return nil, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request: id must be a string, number or null"))
		}
		req.ID = raw
	}

	if err := json.Unmarshal(fields["jsonrpc"], &req.JSONRPC); err != nil || req.JSONRPC != JSONRPCVersion {
		return nil, NewErrorResponse(req.ID, NewError(InvalidRequest, `Invalid Request: jsonrpc must be "2.0"`))
	}
	if err := json.Unmarshal(fields["method"], &req.Method); err != nil || req.Method == "" {
		return nil, NewErrorResponse(req.ID, NewError(InvalidRequest, "Invalid Request: method must be a non-empty string"))
	}
	if raw, ok := fields["params"]; ok && !bytes.Equal(bytes.TrimSpace(raw), nullID) {
		req.Params = raw
	}

	return req, nil
}

func validID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch c := trimmed[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	default:
		return bytes.Equal(trimmed, nullID)
	}
}
