package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/ratelimit"
)

func newRegistry(t *testing.T) *mcp.ToolRegistry {
	t.Helper()
	registry := mcp.NewToolRegistry()
	require.NoError(t, registry.Register(mcp.EchoTool()))
	return registry
}

func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, *mcp.ToolRegistry) {
	t.Helper()
	registry := newRegistry(t)
	dispatcher := mcp.NewDispatcher(registry, mcp.DispatcherConfig{Name: "test", Version: "0.0.1", ToolTimeout: time.Second})

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s, err := NewServer(cfg, dispatcher, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, registry
}

func dial(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws"+query, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame string) map[string]any {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	return readJSON(t, ws)
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m), string(data))
	return m
}

func errorCode(t *testing.T, m map[string]any) float64 {
	t.Helper()
	e, ok := m["error"].(map[string]any)
	require.True(t, ok, "expected error in %v", m)
	return e["code"].(float64)
}

func TestServer_EchoRoundTrip(t *testing.T) {
	s, _ := startServer(t, Config{})
	ws := dial(t, s, "")

	resp := roundTrip(t, ws, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"n":42}}}`)
	assert.Equal(t, float64(1), resp["id"])
	result := resp["result"].(map[string]any)
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.JSONEq(t, `{"n":42}`, text)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.Connections()[0].RequestCount)
}

func TestServer_ProtocolErrors(t *testing.T) {
	s, _ := startServer(t, Config{})
	ws := dial(t, s, "")

	resp := roundTrip(t, ws, `{"id":2,"method":"ping"}`)
	assert.Equal(t, float64(mcp.InvalidRequest), errorCode(t, resp))
	assert.Equal(t, float64(2), resp["id"])

	resp = roundTrip(t, ws, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing"}}`)
	assert.Equal(t, float64(mcp.ToolNotFound), errorCode(t, resp))

	resp = roundTrip(t, ws, `{{{`)
	assert.Equal(t, float64(mcp.ParseError), errorCode(t, resp))
}

func TestServer_PingFrame(t *testing.T) {
	s, _ := startServer(t, Config{})
	ws := dial(t, s, "")

	resp := roundTrip(t, ws, `{"type":"ping"}`)
	assert.Equal(t, "pong", resp["type"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestServer_MaxConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, _ := startServer(t, Config{MaxConnections: 1}, WithMetrics(metrics))
	dial(t, s, "")

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Rejected.WithLabelValues("capacity")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Connections))
}

func TestServer_Authentication(t *testing.T) {
	s, _ := startServer(t, Config{APIKey: "s3cret"})

	ws := dial(t, s, "?api_key=wrong")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Zero(t, s.ConnectionCount())

	ok := dial(t, s, "?api_key=s3cret")
	resp := roundTrip(t, ok, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, true, resp["result"].(map[string]any)["pong"])
}

func TestServer_PongTimeoutEviction(t *testing.T) {
	s, _ := startServer(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: 20 * time.Millisecond})

	// The client never reads, so it never answers pings.
	dial(t, s, "")
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DataFramesDoNotCountAsPongs(t *testing.T) {
	s, _ := startServer(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: 20 * time.Millisecond})

	// Busy but deaf: the client keeps sending frames and never reads, so
	// the server's pings are never answered.
	ws := dial(t, s, "")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
					return
				}
			}
		}
	}()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ResponsiveClientSurvives(t *testing.T) {
	s, _ := startServer(t, Config{PingInterval: 30 * time.Millisecond, PongTimeout: 300 * time.Millisecond})
	ws := dial(t, s, "")

	// Reading lets the default ping handler answer.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, s.ConnectionCount())
}

func TestServer_ListChangedBroadcast(t *testing.T) {
	s, registry := startServer(t, Config{})
	ws := dial(t, s, "")
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, registry.Register(mcp.NewTool(
		&sdk.Tool{Name: "late", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, json.RawMessage, mcp.CallInfo) (any, error) { return "ok", nil },
	)))

	msg := readJSON(t, ws)
	assert.Equal(t, ListChangedMethod, msg["method"])
	params := msg["params"].(map[string]any)
	assert.Equal(t, "registered", params["event"])
	assert.Equal(t, "late", params["tool"])
}

func TestServer_HandshakeInProgressIsSkipped(t *testing.T) {
	registry := newRegistry(t)
	dispatcher := mcp.NewDispatcher(registry, mcp.DispatcherConfig{Name: "test", Version: "0.0.1"})
	s, err := NewServer(Config{
		Host:         "127.0.0.1",
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  2 * time.Second,
	}, dispatcher)
	require.NoError(t, err)

	// Hold the upgrade open after the slot has been reserved.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.upgrader.CheckOrigin = func(*http.Request) bool {
		once.Do(func() { close(entered) })
		<-release
		return true
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	type dialed struct {
		ws  *websocket.Conn
		err error
	}
	result := make(chan dialed, 1)
	go func() {
		ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		result <- dialed{ws, err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never reached the origin check")
	}
	assert.Equal(t, 1, s.ConnectionCount())
	assert.Zero(t, s.Broadcast(map[string]string{"hello": "early"}))
	require.NoError(t, registry.Register(mcp.NewTool(
		&sdk.Tool{Name: "during-handshake", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, json.RawMessage, mcp.CallInfo) (any, error) { return "ok", nil },
	)))
	// Let the liveness loop tick over the pending entry.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.ConnectionCount(), "pending handshakes are neither evicted nor written to")

	close(release)
	d := <-result
	require.NoError(t, d.err)
	t.Cleanup(func() { _ = d.ws.Close() })

	require.Eventually(t, func() bool {
		return s.Broadcast(map[string]string{"hello": "world"}) == 1
	}, 2*time.Second, 10*time.Millisecond)
	msg := readJSON(t, d.ws)
	assert.Equal(t, "world", msg["hello"])
}

func TestServer_RateLimitPerConnection(t *testing.T) {
	limiter, err := ratelimit.New(cache.NewMemoryStore(), ratelimit.Config{Window: time.Minute, MaxRequests: 1})
	require.NoError(t, err)
	s, _ := startServer(t, Config{}, WithLimiter(limiter))
	ws := dial(t, s, "")

	resp := roundTrip(t, ws, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Contains(t, resp, "result")

	resp = roundTrip(t, ws, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, float64(mcp.RateLimitExceeded), errorCode(t, resp))
	assert.Equal(t, float64(2), resp["id"])

	other := dial(t, s, "")
	resp = roundTrip(t, other, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	assert.Contains(t, resp, "result", "limits are per connection")
}

func TestServer_FrameFloodClosesConnection(t *testing.T) {
	s, _ := startServer(t, Config{FramesPerSecond: 0.1, FrameBurst: 2})
	ws := dial(t, s, "")

	for i := 0; i < 3; i++ {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr error
	for closeErr == nil {
		_, _, closeErr = ws.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(closeErr, websocket.ClosePolicyViolation), "got %v", closeErr)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_StopClosesConnections(t *testing.T) {
	s, _ := startServer(t, Config{})
	ws := dial(t, s, "")
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestNewServer_RequiresDispatcher(t *testing.T) {
	_, err := NewServer(Config{}, nil)
	assert.Error(t, err)
}
