package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
)

// syncBuffer is written by the stdio adapter while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "mcpgateway by Fyrsmith Labs")
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:     unknown")
}

func TestToolsCommand(t *testing.T) {
	out := execute(t, "tools")

	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed.Tools, 8)

	names := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.InputSchema, tool.Name)
	}
	assert.Contains(t, names, "crypto_news_analyze")
	assert.Contains(t, names, "server_health_check")
	assert.Contains(t, names, "echo")
}

func TestServeFlags(t *testing.T) {
	cfg := config.Default()
	serveFlags{stdio: true, noHTTP: true, noSSE: true, logLevel: "debug"}.apply(cfg)

	assert.True(t, cfg.Stdio.Enabled)
	assert.False(t, cfg.HTTP.Enabled)
	assert.True(t, cfg.Socket.Enabled)
	assert.False(t, cfg.SSE.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.NoError(t, cfg.Validate())
}

func stdioConfig() *config.Config {
	cfg := config.Default()
	serveFlags{stdio: true, noHTTP: true, noSocket: true, noSSE: true, logLevel: "error"}.apply(cfg)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestApp_StdioRoundTrip(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing","arguments":{}}}`,
	}, "\n") + "\n"
	out := &syncBuffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, stdioConfig(), appOptions{
		In:       strings.NewReader(input),
		Out:      out,
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, a.run(ctx, ""), "input EOF ends the run cleanly")

	var responses []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		var resp map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp), sc.Text())
		responses = append(responses, resp)
	}
	require.Len(t, responses, 3, "the notification gets no response")

	byID := make(map[float64]map[string]any)
	for _, r := range responses {
		byID[r["id"].(float64)] = r
	}

	initResult := byID[1]["result"].(map[string]any)
	serverInfo := initResult["serverInfo"].(map[string]any)
	assert.Equal(t, "kaayaan-mcp-news", serverInfo["name"])

	assert.Contains(t, byID[2], "result")
	assert.NotContains(t, byID[2], "error")

	rpcErr := byID[3]["error"].(map[string]any)
	assert.EqualValues(t, -32000, rpcErr["code"])
}

func TestApp_RejectsMissingStreams(t *testing.T) {
	ctx := context.Background()
	_, err := newApp(ctx, stdioConfig(), appOptions{Registry: prometheus.NewRegistry()})
	assert.Error(t, err)
}
