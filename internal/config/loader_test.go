package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "kaayaan-mcp-news", cfg.Server.Name)
	assert.Equal(t, 3000, cfg.HTTP.Port)
	assert.Equal(t, 3001, cfg.Socket.Port)
	assert.Equal(t, 3002, cfg.SSE.Port)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.False(t, cfg.Auth.APIKey.IsSet())
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  name: news-gateway
  tool_timeout: 5s
http:
  port: 8080
  allowed_origins:
    - https://a.example
    - https://b.example
socket:
  max_connections: 1
  ping_interval: 2s
ratelimit:
  enabled: false
auth:
  api_key: s3cret
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "news-gateway", cfg.Server.Name)
	assert.Equal(t, 5*time.Second, cfg.Server.ToolTimeout)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 1, cfg.Socket.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.Socket.PingInterval)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.APIKey.Value())

	// Untouched sections keep their defaults.
	assert.Equal(t, "/ws", cfg.Socket.Path)
	assert.Equal(t, "general", cfg.SSE.DefaultChannel)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 8080\n", 0o600)

	t.Setenv("MCPGW_HTTP_PORT", "7777")
	t.Setenv("MCPGW_RATELIMIT_MAX_REQUESTS", "5")
	t.Setenv("MCPGW_HTTP_ALLOWED_ORIGINS", "https://x.example, https://y.example")
	t.Setenv("MCPGW_AUTH_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"https://x.example", "https://y.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "from-env", cfg.Auth.APIKey.Value())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		wantErr string
	}{
		{
			name:    "world writable",
			content: "http:\n  port: 8080\n",
			perm:    0o666,
			wantErr: "world-writable",
		},
		{
			name:    "port clash",
			content: "http:\n  port: 4000\nsocket:\n  port: 4000\n",
			perm:    0o600,
			wantErr: "both listen on",
		},
		{
			name:    "no transports",
			content: "http:\n  enabled: false\nsocket:\n  enabled: false\nsse:\n  enabled: false\n",
			perm:    0o600,
			wantErr: "at least one transport",
		},
		{
			name:    "stdio with stdout logging",
			content: "stdio:\n  enabled: true\nlogging:\n  output: stdout\n",
			perm:    0o600,
			wantErr: "cannot be stdout",
		},
		{
			name:    "zero window",
			content: "ratelimit:\n  window: 0s\n",
			perm:    0o600,
			wantErr: "ratelimit.window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content, tt.perm)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "config.Secret([REDACTED])", s.GoString())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))

	assert.True(t, s.Equal("hunter2"))
	assert.False(t, s.Equal("hunter3"))
	assert.Equal(t, "", Secret("").String())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n", 0o600)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var level atomic.Value
	require.NoError(t, Watch(ctx, path, func(cfg *Config) {
		level.Store(cfg.Logging.Level)
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 3*time.Second, 20*time.Millisecond)
}
