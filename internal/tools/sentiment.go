package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

const (
	defaultHistorySize = 1000
	sentimentTTL       = 30 * time.Minute
	maxSentimentCoins  = 10
)

var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
}

type historyEntry struct {
	at     time.Time
	impact analyzer.Impact
	conf   int
	coins  []string
}

// History keeps the most recent verdicts for market sentiment.
type History struct {
	mu      sync.Mutex
	entries []historyEntry
	size    int
}

func NewHistory(size int) *History {
	return &History{size: size}
}

// Add records a verdict, dropping the oldest once full.
func (h *History) Add(at time.Time, r analyzer.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{at: at, impact: r.Impact, conf: r.Confidence, coins: r.AffectedCoins})
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

func (h *History) since(t time.Time) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []historyEntry
	for _, e := range h.entries {
		if !e.at.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// SentimentBreakdown counts verdicts per impact.
type SentimentBreakdown struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// MarketSentimentResult is the crypto_market_sentiment output.
type MarketSentimentResult struct {
	Timeframe          string             `json:"timeframe"`
	OverallSentiment   analyzer.Impact    `json:"overall_sentiment"`
	Confidence         int                `json:"confidence"`
	AnalyzedItems      int                `json:"analyzed_items"`
	SentimentBreakdown SentimentBreakdown `json:"sentiment_breakdown"`
	TopCoinsMentioned  []CoinMention      `json:"top_coins_mentioned"`
	FilteredCoins      []string           `json:"filtered_coins,omitempty"`
	Timestamp          string             `json:"timestamp"`
}

// SentimentCacheKey is the cache key for a timeframe and coin filter.
func SentimentCacheKey(timeframe string, coins []string) string {
	return fmt.Sprintf("market_sentiment:%s:%s", timeframe, strings.Join(coins, ","))
}

// MarketSentiment aggregates recent verdicts, cached for 30 minutes.
func (s *Set) MarketSentiment() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "crypto_market_sentiment",
		Description: "Get overall cryptocurrency market sentiment from recent news analysis",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timeframe": map[string]any{
					"type":        "string",
					"description": "Analysis timeframe",
					"enum":        []string{"1h", "6h", "24h"},
					"default":     "24h",
				},
				"coins": map[string]any{
					"type":        "array",
					"description": "Specific coins to analyze (optional)",
					"items":       map[string]any{"type": "string"},
					"maxItems":    maxSentimentCoins,
				},
			},
		},
	}, func(ctx context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in struct {
			Timeframe string   `json:"timeframe"`
			Coins     []string `json:"coins"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Timeframe == "" {
			in.Timeframe = "24h"
		}
		window, ok := timeframes[in.Timeframe]
		if !ok {
			return nil, mcp.InvalidParamsError("Invalid params: timeframe must be one of 1h, 6h, 24h")
		}
		if len(in.Coins) > maxSentimentCoins {
			return nil, mcp.InvalidParamsError("Invalid params: at most %d coins", maxSentimentCoins)
		}
		coins := normalizeCoins(in.Coins)

		key := SentimentCacheKey(in.Timeframe, coins)
		var cached MarketSentimentResult
		if hit, err := s.deps.Cache.Get(ctx, key, &cached); err == nil && hit {
			s.deps.Logger.Debug(ctx, "market sentiment cache hit", zap.String("key", key))
			return cached, nil
		}

		out := s.marketSentiment(in.Timeframe, window, coins)
		if err := s.deps.Cache.Set(ctx, key, out, sentimentTTL); err != nil {
			s.deps.Logger.Warn(ctx, "caching market sentiment failed", zap.Error(err))
		}
		return out, nil
	})
}

func normalizeCoins(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Set) marketSentiment(timeframe string, window time.Duration, coins []string) MarketSentimentResult {
	now := s.deps.Now()
	out := MarketSentimentResult{
		Timeframe:         timeframe,
		OverallSentiment:  analyzer.Neutral,
		Confidence:        50,
		TopCoinsMentioned: []CoinMention{},
		Timestamp:         now.UTC().Format(time.RFC3339),
	}
	if len(coins) > 0 {
		out.FilteredCoins = coins
	}

	wanted := make(map[string]bool, len(coins))
	for _, c := range coins {
		wanted[c] = true
	}
	var results []analyzer.BatchResult
	for _, e := range s.history.since(now.Add(-window)) {
		if len(wanted) > 0 && !mentionsAny(e.coins, wanted) {
			continue
		}
		results = append(results, analyzer.BatchResult{Result: analyzer.Result{
			Impact:        e.impact,
			Confidence:    e.conf,
			AffectedCoins: e.coins,
		}})
	}
	if len(results) == 0 {
		return out
	}

	sum := Summarize(results)
	out.AnalyzedItems = len(results)
	out.SentimentBreakdown = SentimentBreakdown{
		Positive: sum.PositiveCount,
		Negative: sum.NegativeCount,
		Neutral:  sum.NeutralCount,
	}
	out.TopCoinsMentioned = sum.TopAffectedCoins
	out.Confidence = int(math.Round(sum.AvgConfidence))
	switch {
	case sum.PositiveCount > sum.NegativeCount && sum.PositiveCount > sum.NeutralCount:
		out.OverallSentiment = analyzer.Positive
	case sum.NegativeCount > sum.PositiveCount && sum.NegativeCount > sum.NeutralCount:
		out.OverallSentiment = analyzer.Negative
	}
	return out
}

func mentionsAny(coins []string, wanted map[string]bool) bool {
	for _, c := range coins {
		if wanted[c] {
			return true
		}
	}
	return false
}
