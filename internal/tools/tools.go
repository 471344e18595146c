// Package tools implements the news analysis tools served by the gateway.
//
// Register adds every tool to a registry. Tools take their collaborators
// through Deps so tests can substitute the cache, clock and publisher.
package tools

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/gateway"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

// AnalysisChannel is the push channel batch results are published on.
const AnalysisChannel = "analysis"

// Publisher delivers events to push clients.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
}

// Environment reports which optional integrations are configured.
type Environment struct {
	APIKeyConfigured bool `json:"api_key_configured"`
	NATSConfigured   bool `json:"nats_configured"`
	OpenAIConfigured bool `json:"openai_configured"`
}

// Deps are the collaborators shared by the tools.
type Deps struct {
	Name      string
	Version   string
	Analyzer  *analyzer.Analyzer
	Cache     cache.Cache
	Publisher Publisher
	Fetcher   NewsFetcher
	// Adapters reports transport status for the health tool.
	Adapters    func() []gateway.AdapterStatus
	Environment Environment
	EchoTool    bool
	Logger      *logging.Logger
	Now         func() time.Time
}

func (d *Deps) defaults() {
	if d.Analyzer == nil {
		d.Analyzer = analyzer.NewWithModel(nil, 0, d.Logger)
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemoryStore()
	}
	if d.Fetcher == nil {
		d.Fetcher = SampleFetcher{}
	}
	if d.Adapters == nil {
		d.Adapters = func() []gateway.AdapterStatus { return nil }
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Set holds the tools and the state they share.
type Set struct {
	deps    Deps
	history *History
	started time.Time
}

// New builds the tool set.
func New(deps Deps) *Set {
	deps.defaults()
	deps.Logger = deps.Logger.Named("tools")
	return &Set{
		deps:    deps,
		history: NewHistory(defaultHistorySize),
		started: deps.Now(),
	}
}

// Tools returns every tool in registration order.
func (s *Set) Tools() []mcp.Tool {
	out := []mcp.Tool{
		s.NewsAnalyze(),
		s.NewsBatchAnalyze(),
		s.MarketSentiment(),
		s.ImpactKeywords(),
		s.NewsSearch(),
		s.URLReputation(),
		s.HealthCheck(),
	}
	if s.deps.EchoTool {
		out = append(out, mcp.EchoTool())
	}
	return out
}

// Register adds every tool to registry.
func (s *Set) Register(registry *mcp.ToolRegistry) error {
	for _, t := range s.Tools() {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) timestamp() string {
	return s.deps.Now().UTC().Format(time.RFC3339)
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func decodeArgs(args json.RawMessage, v any) *mcp.Error {
	if err := json.Unmarshal(args, v); err != nil {
		return mcp.InvalidParamsError("Invalid params: %v", err)
	}
	return nil
}

// checkLength validates a string field's length in characters. lo of zero
// makes the field optional.
func checkLength(field, value string, lo, hi int) *mcp.Error {
	n := utf8.RuneCountInString(value)
	if n < lo {
		if n == 0 {
			return mcp.InvalidParamsError("Invalid params: %s is required", field)
		}
		return mcp.InvalidParamsError("Invalid params: %s must be at least %d characters", field, lo)
	}
	if n > hi {
		return mcp.InvalidParamsError("Invalid params: %s must be at most %d characters", field, hi)
	}
	return nil
}

func stringProp(description string, minLen, maxLen int) map[string]any {
	p := map[string]any{"type": "string", "description": description}
	if minLen > 0 {
		p["minLength"] = minLen
	}
	if maxLen > 0 {
		p["maxLength"] = maxLen
	}
	return p
}
