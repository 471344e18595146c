package tools

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

const (
	maxTitle   = 500
	maxSummary = 2000
	maxSource  = 100

	highConfidence = 75
	topCoins       = 5
)

func newsItemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   stringProp("News headline or title", 1, maxTitle),
			"summary": stringProp("News content or description", 1, maxSummary),
			"source":  stringProp("News source (optional)", 0, maxSource),
		},
		"required": []string{"title", "summary"},
	}
}

type newsItem struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
}

func (n *newsItem) validate() *mcp.Error {
	n.Title = strings.TrimSpace(n.Title)
	n.Summary = strings.TrimSpace(n.Summary)
	n.Source = strings.TrimSpace(n.Source)
	if n.Title == "" || n.Summary == "" {
		return mcp.InvalidParamsError("Invalid params: title and summary required")
	}
	if err := checkLength("title", n.Title, 1, maxTitle); err != nil {
		return err
	}
	if err := checkLength("summary", n.Summary, 1, maxSummary); err != nil {
		return err
	}
	return checkLength("source", n.Source, 0, maxSource)
}

// AnalysisResult is the crypto_news_analyze output.
type AnalysisResult struct {
	analyzer.Result
	Source     string `json:"source,omitempty"`
	AnalysisID string `json:"analysis_id"`
	Timestamp  string `json:"timestamp"`
}

// NewsAnalyze scores a single news item.
func (s *Set) NewsAnalyze() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "crypto_news_analyze",
		Description: "Analyze cryptocurrency news for sentiment and market impact",
		InputSchema: newsItemSchema(),
	}, func(ctx context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in newsItem
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if err := in.validate(); err != nil {
			return nil, err
		}

		res, err := s.deps.Analyzer.Analyze(ctx, in.Title, in.Summary)
		if err != nil {
			return nil, err
		}
		s.history.Add(s.deps.Now(), res)

		out := AnalysisResult{
			Result:     res,
			Source:     in.Source,
			AnalysisID: newID("analysis"),
			Timestamp:  s.timestamp(),
		}
		s.deps.Logger.Info(ctx, "news analysis completed",
			zap.String("analysis_id", out.AnalysisID),
			zap.String("impact", string(res.Impact)),
			zap.String("method", res.Method))
		return out, nil
	})
}

// BatchItemResult is one entry of a batch response.
type BatchItemResult struct {
	analyzer.BatchResult
	ItemIndex  int    `json:"item_index"`
	AnalysisID string `json:"analysis_id"`
	Source     string `json:"source,omitempty"`
}

// CoinMention counts how often a coin was affected across a batch.
type CoinMention struct {
	Coin     string `json:"coin"`
	Mentions int    `json:"mentions"`
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	PositiveCount       int           `json:"positive_count"`
	NegativeCount       int           `json:"negative_count"`
	NeutralCount        int           `json:"neutral_count"`
	HighConfidenceCount int           `json:"high_confidence_count"`
	LowConfidenceCount  int           `json:"low_confidence_count"`
	ErrorCount          int           `json:"error_count"`
	AvgConfidence       float64       `json:"avg_confidence"`
	TopAffectedCoins    []CoinMention `json:"top_affected_coins"`
}

// BatchResponse is the crypto_news_batch_analyze output.
type BatchResponse struct {
	Results    []BatchItemResult `json:"results"`
	TotalItems int               `json:"total_items"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Summary    BatchSummary      `json:"summary"`
}

// NewsBatchAnalyze scores up to 50 items and publishes the outcome on the
// analysis channel.
func (s *Set) NewsBatchAnalyze() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "crypto_news_batch_analyze",
		Description: "Analyze multiple cryptocurrency news items in batch",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"news_items": map[string]any{
					"type":        "array",
					"description": "News items to analyze",
					"minItems":    1,
					"maxItems":    analyzer.MaxBatch,
					"items":       newsItemSchema(),
				},
			},
			"required": []string{"news_items"},
		},
	}, func(ctx context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in struct {
			NewsItems []newsItem `json:"news_items"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if len(in.NewsItems) == 0 {
			return nil, mcp.InvalidParamsError("Invalid params: news_items array required")
		}
		if len(in.NewsItems) > analyzer.MaxBatch {
			return nil, mcp.InvalidParamsError("Batch size limit exceeded (max %d items)", analyzer.MaxBatch)
		}

		items := make([]analyzer.Item, len(in.NewsItems))
		for i, n := range in.NewsItems {
			items[i] = analyzer.Item{Title: n.Title, Summary: n.Summary, Source: n.Source}
		}
		results, err := s.deps.Analyzer.AnalyzeBatch(ctx, items)
		if err != nil {
			return nil, err
		}

		requestID := newID("batch")
		now := s.deps.Now()
		out := BatchResponse{
			Results:    make([]BatchItemResult, len(results)),
			TotalItems: len(results),
			RequestID:  requestID,
			Timestamp:  s.timestamp(),
		}
		for i, r := range results {
			out.Results[i] = BatchItemResult{
				BatchResult: r,
				ItemIndex:   i,
				AnalysisID:  requestID + "_item_" + strconv.Itoa(i),
				Source:      strings.TrimSpace(in.NewsItems[i].Source),
			}
			if r.Error == "" {
				s.history.Add(now, r.Result)
			}
		}
		out.Summary = Summarize(results)

		if s.deps.Publisher != nil {
			if err := s.deps.Publisher.Publish(ctx, AnalysisChannel, "batch-complete", out); err != nil {
				s.deps.Logger.Warn(ctx, "publishing batch results failed", zap.Error(err))
			}
		}
		s.deps.Logger.Info(ctx, "batch analysis completed",
			zap.String("request_id", requestID),
			zap.Int("items", len(results)))
		return out, nil
	})
}

// Summarize aggregates batch verdicts. Confidence above 75 counts as high.
// Top coins are ordered by mentions, ties by first appearance.
func Summarize(results []analyzer.BatchResult) BatchSummary {
	sum := BatchSummary{TopAffectedCoins: []CoinMention{}}
	if len(results) == 0 {
		return sum
	}

	counts := map[string]int{}
	var order []string
	total := 0
	for _, r := range results {
		switch r.Impact {
		case analyzer.Positive:
			sum.PositiveCount++
		case analyzer.Negative:
			sum.NegativeCount++
		default:
			sum.NeutralCount++
		}
		if r.Confidence > highConfidence {
			sum.HighConfidenceCount++
		} else {
			sum.LowConfidenceCount++
		}
		if r.Error != "" {
			sum.ErrorCount++
		}
		total += r.Confidence
		for _, c := range r.AffectedCoins {
			if _, seen := counts[c]; !seen {
				order = append(order, c)
			}
			counts[c]++
		}
	}
	sum.AvgConfidence = math.Round(float64(total)/float64(len(results))*10) / 10

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	for i, c := range order {
		if i == topCoins {
			break
		}
		sum.TopAffectedCoins = append(sum.TopAffectedCoins, CoinMention{Coin: c, Mentions: counts[c]})
	}
	return sum
}
