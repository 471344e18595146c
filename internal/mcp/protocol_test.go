package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantID   string
	}{
		{name: "not json", input: `{"jsonrpc":`, wantCode: ParseError, wantID: "null"},
		{name: "array", input: `[1,2]`, wantCode: InvalidRequest, wantID: "null"},
		{name: "null", input: `null`, wantCode: InvalidRequest, wantID: "null"},
		{name: "missing jsonrpc", input: `{"id":1,"method":"ping"}`, wantCode: InvalidRequest, wantID: "1"},
		{name: "wrong version", input: `{"jsonrpc":"1.0","id":"a","method":"ping"}`, wantCode: InvalidRequest, wantID: `"a"`},
		{name: "missing method", input: `{"jsonrpc":"2.0","id":2}`, wantCode: InvalidRequest, wantID: "2"},
		{name: "numeric method", input: `{"jsonrpc":"2.0","id":2,"method":5}`, wantCode: InvalidRequest, wantID: "2"},
		{name: "object id", input: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, wantCode: InvalidRequest, wantID: "null"},
		{name: "bool id", input: `{"jsonrpc":"2.0","id":true,"method":"ping"}`, wantCode: InvalidRequest, wantID: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, resp := Decode([]byte(tt.input))
			assert.Nil(t, req)
			require.NotNil(t, resp)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, JSONRPCVersion, resp.JSONRPC)
			assert.JSONEq(t, tt.wantID, string(resp.ID))
		})
	}
}

func TestDecode_Valid(t *testing.T) {
	req, resp := Decode([]byte(`{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"echo"}}`))
	require.Nil(t, resp)
	require.NotNil(t, req)
	assert.Equal(t, "tools/call", req.Method)
	assert.JSONEq(t, `"abc"`, string(req.ID))
	assert.JSONEq(t, `{"name":"echo"}`, string(req.Params))
	assert.False(t, req.IsNotification())
}

func TestDecode_NullParamsDropped(t *testing.T) {
	req, resp := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":null}`))
	require.Nil(t, resp)
	assert.Nil(t, req.Params)
}

func TestRequest_IsNotification(t *testing.T) {
	req, _ := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NotNil(t, req)
	assert.True(t, req.IsNotification())

	req, _ = Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`))
	require.NotNil(t, req)
	assert.False(t, req.IsNotification(), "explicit null id expects a response")

	req, _ = Decode([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	require.NotNil(t, req)
	assert.False(t, req.IsNotification())
}

func TestResponse_Marshal(t *testing.T) {
	out, err := json.Marshal(NewErrorResponse(nil, NewError(ToolNotFound, "Tool not found: x")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"Tool not found: x"}}`, string(out))

	out, err = json.Marshal(NewResult(json.RawMessage(`7`), map[string]bool{"ok": true}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, string(out))
}

func TestError_WithDataCopies(t *testing.T) {
	base := NewError(InvalidParams, "bad")
	derived := base.WithData("field", "title")

	assert.Nil(t, base.Data)
	assert.Equal(t, "title", derived.Data["field"])
	assert.Contains(t, derived.Error(), "-32602")
}

func TestCodeName(t *testing.T) {
	assert.Equal(t, "rate_limit_exceeded", CodeName(RateLimitExceeded))
	assert.Equal(t, "service_unavailable", CodeName(ServiceUnavailable))
	assert.Equal(t, "unknown", CodeName(1))
}
