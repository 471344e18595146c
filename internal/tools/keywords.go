package tools

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

const maxKeywordText = 5000

// KeywordsResult is the crypto_impact_keywords output. The keyword lists
// hold plain strings, or keyword/weight pairs when weights were requested.
type KeywordsResult struct {
	Impact            analyzer.Impact `json:"impact"`
	Confidence        int             `json:"confidence"`
	PositiveKeywords  any             `json:"positive_keywords"`
	NegativeKeywords  any             `json:"negative_keywords"`
	DetectedCoins     []string        `json:"detected_coins"`
	TotalKeywords     int             `json:"total_keywords"`
	AnalysisTimestamp string          `json:"analysis_timestamp"`
}

// ImpactKeywords reports the weighted keywords found in a text.
func (s *Set) ImpactKeywords() mcp.Tool {
	return mcp.NewTool(&sdk.Tool{
		Name:        "crypto_impact_keywords",
		Description: "Extract and analyze impact keywords from cryptocurrency text",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": stringProp("Text to analyze for crypto impact keywords", 1, maxKeywordText),
				"include_weights": map[string]any{
					"type":        "boolean",
					"description": "Include keyword impact weights in response",
					"default":     false,
				},
			},
			"required": []string{"text"},
		},
	}, func(_ context.Context, args json.RawMessage, _ mcp.CallInfo) (any, error) {
		var in struct {
			Text           string `json:"text"`
			IncludeWeights bool   `json:"include_weights"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		in.Text = strings.TrimSpace(in.Text)
		if err := checkLength("text", in.Text, 1, maxKeywordText); err != nil {
			return nil, err
		}

		r := analyzer.Keywords(in.Text)
		out := KeywordsResult{
			Impact:            r.Impact,
			Confidence:        r.Confidence,
			DetectedCoins:     r.Coins,
			TotalKeywords:     r.Total(),
			AnalysisTimestamp: s.timestamp(),
		}
		if in.IncludeWeights {
			out.PositiveKeywords = r.Positive
			out.NegativeKeywords = r.Negative
		} else {
			out.PositiveKeywords = names(r.Positive)
			out.NegativeKeywords = names(r.Negative)
		}
		return out, nil
	})
}

func names(matches []analyzer.KeywordMatch) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Keyword
	}
	return out
}
