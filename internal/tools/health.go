package tools

import (
	"context"
	"encoding/json"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

// HealthComponents reports each subsystem.
type HealthComponents struct {
	Cache    CacheComponent  `json:"cache"`
	Analyzer string          `json:"analyzer"`
	Adapters map[string]bool `json:"adapters"`
}

type CacheComponent struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
}

// HealthResult is the server_health_check output.
type HealthResult struct {
	ServerName    string           `json:"server_name"`
	Version       string           `json:"version"`
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    HealthComponents `json:"components"`
	CacheStats    cache.Stats      `json:"cache_stats"`
	Environment   Environment      `json:"environment"`
}

// HealthCheck reports server status. The status is degraded while the
// cache is disconnected.
func (s *Set) HealthCheck() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "server_health_check",
		Description: "Check server health and component status",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, _ json.RawMessage, _ mcp.CallInfo) (any, error) {
		stats := s.deps.Cache.Stats(ctx)
		adapters := map[string]bool{}
		for _, a := range s.deps.Adapters() {
			adapters[a.Name] = a.Running
		}

		status := "healthy"
		if !stats.Connected {
			status = "degraded"
		}
		now := s.deps.Now()
		return HealthResult{
			ServerName:    s.deps.Name,
			Version:       s.deps.Version,
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			UptimeSeconds: int64(now.Sub(s.started).Seconds()),
			Components: HealthComponents{
				Cache:    CacheComponent{Backend: stats.Backend, Connected: stats.Connected},
				Analyzer: s.deps.Analyzer.Mode(),
				Adapters: adapters,
			},
			CacheStats:  stats,
			Environment: s.deps.Environment,
		}, nil
	})
}
