package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
)

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:         true,
		Endpoint:        "collector:4318",
		Protocol:        ProtocolHTTP,
		SampleRate:      0.25,
		MetricsEnabled:  true,
		ExportInterval:  30 * time.Second,
		ShutdownTimeout: time.Second,
	}, "gw", "1.0.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "gw", cfg.ServiceName)
	assert.Equal(t, "1.0.0", cfg.ServiceVersion)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, 30*time.Second, cfg.ExportInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := NewDefaultConfig()
		c.Enabled = true
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"default enabled", func(*Config) {}, ""},
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"missing service", func(c *Config) { c.ServiceName = "" }, "service name is required"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "unsupported protocol"},
		{"insecure remote", func(c *Config) { c.Endpoint = "otel.example.com:4317" }, "insecure export"},
		{"secure remote", func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"loopback ip", func(c *Config) { c.Endpoint = "127.0.0.2:4317" }, ""},
		{"ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"http scheme", func(c *Config) { c.Endpoint = "http://localhost:4318" }, ""},
		{"rate too high", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
		{"zero interval", func(c *Config) { c.ExportInterval = 0 }, "export_interval"},
		{"zero interval without metrics", func(c *Config) { c.ExportInterval = 0; c.MetricsEnabled = false }, ""},
		{"zero shutdown", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
