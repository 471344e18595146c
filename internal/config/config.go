// Package config provides configuration loading for mcpgateway.
//
// Configuration is assembled from built-in defaults, an optional YAML file and
// MCPGW_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Cache     CacheConfig     `koanf:"cache"`
	Events    EventsConfig    `koanf:"events"`
	Stdio     StdioConfig     `koanf:"stdio"`
	HTTP      HTTPConfig      `koanf:"http"`
	Socket    SocketConfig    `koanf:"socket"`
	SSE       SSEConfig       `koanf:"sse"`
	Analyzer  AnalyzerConfig  `koanf:"analyzer"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	Name            string        `koanf:"name"`
	Version         string        `koanf:"version"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ToolTimeout     time.Duration `koanf:"tool_timeout"`
	// ExposeErrorDetails adds underlying tool error messages to error.data on
	// network transports. The stdio transport always includes them.
	ExposeErrorDetails bool `koanf:"expose_error_details"`
	EchoTool           bool `koanf:"echo_tool"`
}

// AuthConfig holds the shared secret. An empty key disables authentication.
type AuthConfig struct {
	APIKey Secret `koanf:"api_key"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Window      time.Duration `koanf:"window"`
	MaxRequests int           `koanf:"max_requests"`
}

// CacheConfig configures the cache backend. An empty NATSURL selects the
// in-process store.
type CacheConfig struct {
	NATSURL        string        `koanf:"nats_url"`
	Bucket         string        `koanf:"bucket"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

// EventsConfig configures the NATS bridge that feeds the push transport.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// StdioConfig configures the line-delimited stdin/stdout transport.
type StdioConfig struct {
	Enabled      bool `koanf:"enabled"`
	ExitOnEOF    bool `koanf:"exit_on_eof"`
	MaxLineBytes int  `koanf:"max_line_bytes"`
}

// HTTPConfig configures the request/response transport.
type HTTPConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	BodyLimit         string        `koanf:"body_limit"`
	ProtectedPrefixes []string      `koanf:"protected_prefixes"`
	RateLimitHeader   string        `koanf:"rate_limit_header"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
}

// SocketConfig configures the WebSocket transport.
type SocketConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Path            string        `koanf:"path"`
	MaxConnections  int           `koanf:"max_connections"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	PongTimeout     time.Duration `koanf:"pong_timeout"`
	MaxMessageBytes int64         `koanf:"max_message_bytes"`
	FramesPerSecond float64       `koanf:"frames_per_second"`
	FrameBurst      int           `koanf:"frame_burst"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

// SSEConfig configures the server-push transport.
type SSEConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
	RetryMS           int           `koanf:"retry_ms"`
	DefaultChannel    string        `koanf:"default_channel"`
	MaxConnections    int           `koanf:"max_connections"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
}

// AnalyzerConfig configures the sentiment analyzer. Without an API key the
// keyword heuristic is used.
type AnalyzerConfig struct {
	OpenAIAPIKey Secret        `koanf:"openai_api_key"`
	Model        string        `koanf:"model"`
	BaseURL      string        `koanf:"base_url"`
	Timeout      time.Duration `koanf:"timeout"`
}

// LoggingConfig is the file/env view of logging settings.
type LoggingConfig struct {
	Level    string            `koanf:"level"`
	Format   string            `koanf:"format"`
	Output   string            `koanf:"output"`
	OTEL     bool              `koanf:"otel"`
	Sampling bool              `koanf:"sampling"`
	Caller   bool              `koanf:"caller"`
	Fields   map[string]string `koanf:"fields"`
}

// TelemetryConfig is the file/env view of OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Endpoint        string        `koanf:"endpoint"`
	Protocol        string        `koanf:"protocol"`
	Insecure        bool          `koanf:"insecure"`
	TLSSkipVerify   bool          `koanf:"tls_skip_verify"`
	SampleRate      float64       `koanf:"sample_rate"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	ExportInterval  time.Duration `koanf:"export_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "kaayaan-mcp-news",
			Version:         "2.1.0",
			ShutdownTimeout: 10 * time.Second,
			ToolTimeout:     30 * time.Second,
			EchoTool:        true,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Window:      time.Minute,
			MaxRequests: 100,
		},
		Cache: CacheConfig{
			Bucket:         "mcpgateway",
			ConnectTimeout: 2 * time.Second,
			SweepInterval:  time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "mcpgateway.events",
		},
		Stdio: StdioConfig{
			Enabled:      false,
			ExitOnEOF:    true,
			MaxLineBytes: 4 << 20,
		},
		HTTP: HTTPConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              3000,
			AllowedOrigins:    []string{"http://localhost:3000"},
			BodyLimit:         "1M",
			ProtectedPrefixes: []string{"/mcp", "/api"},
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		Socket: SocketConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            3001,
			Path:            "/ws",
			MaxConnections:  100,
			PingInterval:    30 * time.Second,
			PongTimeout:     10 * time.Second,
			MaxMessageBytes: 1 << 20,
			FramesPerSecond: 20,
			FrameBurst:      40,
		},
		SSE: SSEConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              3002,
			HeartbeatInterval: 30 * time.Second,
			ConnectionTimeout: 2 * time.Minute,
			RetryMS:           3000,
			DefaultChannel:    "general",
			MaxConnections:    100,
		},
		Analyzer: AnalyzerConfig{
			Model:   "gpt-4o-mini",
			Timeout: 20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stderr",
			Sampling: true,
			Caller:   true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
			MetricsEnabled:  true,
			ExportInterval:  15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Stdio.Enabled && !c.HTTP.Enabled && !c.Socket.Enabled && !c.SSE.Enabled {
		return errors.New("at least one transport must be enabled")
	}
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.ToolTimeout <= 0 {
		return errors.New("server.tool_timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return errors.New("ratelimit.window must be positive")
		}
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("ratelimit.max_requests must be positive, got %d", c.RateLimit.MaxRequests)
		}
	}

	if c.Stdio.Enabled && c.Stdio.MaxLineBytes <= 0 {
		return errors.New("stdio.max_line_bytes must be positive")
	}

	ports := make(map[string]string)
	check := func(name string, enabled bool, host string, port int) error {
		if !enabled {
			return nil
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s.port must be between 1 and 65535, got %d", name, port)
		}
		addr := fmt.Sprintf("%s:%d", host, port)
		if other, ok := ports[addr]; ok {
			return fmt.Errorf("%s and %s both listen on %s", other, name, addr)
		}
		ports[addr] = name
		return nil
	}
	if err := check("http", c.HTTP.Enabled, c.HTTP.Host, c.HTTP.Port); err != nil {
		return err
	}
	if err := check("socket", c.Socket.Enabled, c.Socket.Host, c.Socket.Port); err != nil {
		return err
	}
	if err := check("sse", c.SSE.Enabled, c.SSE.Host, c.SSE.Port); err != nil {
		return err
	}

	if c.Socket.Enabled {
		if c.Socket.MaxConnections < 0 {
			return errors.New("socket.max_connections cannot be negative")
		}
		if c.Socket.PingInterval <= 0 || c.Socket.PongTimeout <= 0 {
			return errors.New("socket.ping_interval and socket.pong_timeout must be positive")
		}
	}
	if c.SSE.Enabled {
		if c.SSE.HeartbeatInterval <= 0 || c.SSE.ConnectionTimeout <= 0 {
			return errors.New("sse.heartbeat_interval and sse.connection_timeout must be positive")
		}
		if c.SSE.DefaultChannel == "" {
			return errors.New("sse.default_channel is required")
		}
	}

	switch c.Logging.Output {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("logging.output must be 'stdout' or 'stderr', got %q", c.Logging.Output)
	}
	if c.Stdio.Enabled && c.Logging.Output == "stdout" {
		return errors.New("logging.output cannot be stdout while the stdio transport is enabled")
	}

	return nil
}
