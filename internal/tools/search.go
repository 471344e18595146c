package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

const (
	searchTTL          = 5 * time.Minute
	defaultSearchLimit = 10
	maxSearchLimit     = 20
	maxQuery           = 200
)

// Article is one news search hit.
type Article struct {
	Title       string          `json:"title"`
	Summary     string          `json:"summary"`
	Source      string          `json:"source"`
	URL         string          `json:"url"`
	PublishedAt string          `json:"published_at"`
	Impact      analyzer.Impact `json:"impact,omitempty"`
}

// NewsFetcher looks up articles matching a query.
type NewsFetcher interface {
	Search(ctx context.Context, query string, limit int) ([]Article, error)
}

// SampleFetcher serves a fixed set of headlines. It stands in for a real
// news API.
type SampleFetcher struct{}

var sampleArticles = []Article{
	{Title: "Bitcoin ETF approval draws record inflows", Summary: "Institutional demand pushes BTC toward an all-time high.", Source: "CoinDesk", URL: "https://www.coindesk.com/markets/btc-etf-inflows", PublishedAt: "2026-10-18T09:00:00Z"},
	{Title: "Ethereum upgrade goes live on mainnet", Summary: "The network upgrade lowers fees for layer 2 rollups.", Source: "The Block", URL: "https://www.theblock.co/post/eth-upgrade", PublishedAt: "2026-10-18T07:30:00Z"},
	{Title: "DeFi protocol hacked for $40M", Summary: "An exploit in a lending pool on Ethereum drained user funds.", Source: "Decrypt", URL: "https://decrypt.co/defi-exploit", PublishedAt: "2026-10-17T22:15:00Z"},
	{Title: "Solana network outage halts block production", Summary: "Validators coordinated a restart after a five hour outage.", Source: "CoinTelegraph", URL: "https://cointelegraph.com/news/solana-outage", PublishedAt: "2026-10-17T18:45:00Z"},
	{Title: "Regulators open investigation into stablecoin issuer", Summary: "The inquiry focuses on reserves backing USDT.", Source: "Reuters", URL: "https://www.reuters.com/technology/stablecoin-inquiry", PublishedAt: "2026-10-17T14:00:00Z"},
	{Title: "Cardano announces partnership with African fintech", Summary: "The partnership targets identity and payments adoption.", Source: "CryptoSlate", URL: "https://cryptoslate.com/cardano-partnership", PublishedAt: "2026-10-16T11:20:00Z"},
	{Title: "Exchange announces delisting of privacy coins", Summary: "Trading pairs will be removed after a regulation review.", Source: "CoinDesk", URL: "https://www.coindesk.com/policy/privacy-delisting", PublishedAt: "2026-10-16T08:05:00Z"},
	{Title: "Dogecoin rally continues on payments integration", Summary: "A large retailer added DOGE checkout.", Source: "Bloomberg", URL: "https://www.bloomberg.com/crypto/doge-payments", PublishedAt: "2026-10-15T16:40:00Z"},
	{Title: "XRP lawsuit ruling expected this week", Summary: "Ripple and regulators await the court's decision.", Source: "The Block", URL: "https://www.theblock.co/post/xrp-ruling", PublishedAt: "2026-10-15T10:10:00Z"},
	{Title: "Chainlink launches cross-chain staking", Summary: "LINK holders can stake across multiple networks.", Source: "Decrypt", URL: "https://decrypt.co/chainlink-staking", PublishedAt: "2026-10-14T13:30:00Z"},
}

// Search matches query words against title and summary. Every word must
// appear.
func (SampleFetcher) Search(_ context.Context, query string, limit int) ([]Article, error) {
	words := strings.Fields(strings.ToLower(query))
	out := []Article{}
	for _, a := range sampleArticles {
		text := strings.ToLower(a.Title + " " + a.Summary)
		matched := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SearchResult is the news_search output.
type SearchResult struct {
	Query     string    `json:"query"`
	Articles  []Article `json:"articles"`
	Count     int       `json:"count"`
	Cached    bool      `json:"cached"`
	Timestamp string    `json:"timestamp"`
}

// NewsSearch finds recent articles, cached for five minutes per query and
// limit.
func (s *Set) NewsSearch() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "news_search",
		Description: "Search recent cryptocurrency news",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": stringProp("Search terms", 1, maxQuery),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of articles",
					"minimum":     1,
					"maximum":     maxSearchLimit,
					"default":     defaultSearchLimit,
				},
			},
			"required": []string{"query"},
		},
	}, func(ctx context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		in.Query = strings.TrimSpace(in.Query)
		if err := checkLength("query", in.Query, 1, maxQuery); err != nil {
			return nil, err
		}
		if in.Limit == 0 {
			in.Limit = defaultSearchLimit
		}
		if in.Limit < 1 || in.Limit > maxSearchLimit {
			return nil, mcp.InvalidParamsError("Invalid params: limit must be between 1 and %d", maxSearchLimit)
		}

		key := fmt.Sprintf("news_search:%d:%s", in.Limit, strings.ToLower(in.Query))
		var cached SearchResult
		if hit, err := s.deps.Cache.Get(ctx, key, &cached); err == nil && hit {
			cached.Cached = true
			return cached, nil
		}

		articles, err := s.deps.Fetcher.Search(ctx, in.Query, in.Limit)
		if err != nil {
			return nil, fmt.Errorf("searching news: %w", err)
		}
		for i := range articles {
			articles[i].Impact = analyzer.Keywords(articles[i].Title + "\n" + articles[i].Summary).Impact
		}
		out := SearchResult{
			Query:     in.Query,
			Articles:  articles,
			Count:     len(articles),
			Timestamp: s.timestamp(),
		}
		if err := s.deps.Cache.Set(ctx, key, out, searchTTL); err != nil {
			s.deps.Logger.Warn(ctx, "caching search results failed", zap.Error(err))
		}
		return out, nil
	})
}
