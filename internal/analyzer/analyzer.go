// Package analyzer scores crypto news for market impact.
//
// The keyword heuristic is always available. When an OpenAI API key is
// configured the analyzer asks the model for a verdict first and falls back
// to the heuristic on any failure, so Analyze never fails because the model
// is unavailable.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

const (
	ModeKeyword = "keyword"
	ModeLLM     = "llm"

	// MaxBatch is the largest batch AnalyzeBatch accepts.
	MaxBatch = 50

	batchConcurrency = 8
)

// ErrBatchTooLarge is returned for batches over MaxBatch items.
var ErrBatchTooLarge = fmt.Errorf("batch size limit exceeded (max %d items)", MaxBatch)

// Config holds analyzer settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// ConfigFrom builds the analyzer config from the loaded configuration.
func ConfigFrom(cfg config.AnalyzerConfig) Config {
	return Config{
		APIKey:  cfg.OpenAIAPIKey.Value(),
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	}
}

// Result is the verdict for one news item.
type Result struct {
	Impact        Impact   `json:"impact"`
	Confidence    int      `json:"confidence"`
	AffectedCoins []string `json:"affected_coins"`
	Reasoning     string   `json:"reasoning"`
	Method        string   `json:"method"`
}

// Item is one entry of a batch.
type Item struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Source  string `json:"source,omitempty"`
}

// BatchResult is a batch entry's verdict. Error is set when the item was
// invalid; the verdict is then Neutral at zero confidence.
type BatchResult struct {
	Result
	Error string `json:"error,omitempty"`
}

// Analyzer produces impact verdicts.
type Analyzer struct {
	model   llms.Model
	timeout time.Duration
	logger  *logging.Logger
}

// New creates an analyzer. Without an API key it runs the keyword heuristic
// only.
func New(cfg Config, logger *logging.Logger) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return NewWithModel(nil, cfg.Timeout, logger), nil
	}

	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewWithModel(llm, cfg.Timeout, logger), nil
}

// NewWithModel creates an analyzer backed by model, which may be nil.
func NewWithModel(model llms.Model, timeout time.Duration, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Analyzer{model: model, timeout: timeout, logger: logger.Named("analyzer")}
}

// Mode reports which analysis path is tried first.
func (a *Analyzer) Mode() string {
	if a.model != nil {
		return ModeLLM
	}
	return ModeKeyword
}

// Analyze scores one news item. It only fails when title or summary is
// empty.
func (a *Analyzer) Analyze(ctx context.Context, title, summary string) (Result, error) {
	title, summary = strings.TrimSpace(title), strings.TrimSpace(summary)
	if title == "" || summary == "" {
		return Result{}, errors.New("title and summary are required")
	}

	if a.model != nil {
		res, err := a.ask(ctx, title, summary)
		if err == nil {
			return res, nil
		}
		a.logger.Warn(ctx, "llm analysis failed, using keyword heuristic", zap.Error(err))
	}
	return heuristic(title, summary), nil
}

func heuristic(title, summary string) Result {
	r := Keywords(title + "\n" + summary)
	return Result{
		Impact:        r.Impact,
		Confidence:    r.Confidence,
		AffectedCoins: r.Coins,
		Reasoning: fmt.Sprintf("Keyword analysis found %d positive and %d negative signals",
			len(r.Positive), len(r.Negative)),
		Method: ModeKeyword,
	}
}

// AnalyzeBatch scores items concurrently. Results keep the input order.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, items []Item) ([]BatchResult, error) {
	if len(items) > MaxBatch {
		return nil, ErrBatchTooLarge
	}

	results := make([]BatchResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			res, err := a.Analyze(gctx, item.Title, item.Summary)
			if err != nil {
				results[i] = BatchResult{
					Result: Result{Impact: Neutral, AffectedCoins: []string{}, Method: ModeKeyword},
					Error:  err.Error(),
				}
				return nil
			}
			results[i] = BatchResult{Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}

const promptTemplate = `You are a cryptocurrency market analyst. Assess the likely short-term market impact of the news below.
Respond with a single JSON object and nothing else, using this shape:
{"impact": "Positive" | "Negative" | "Neutral", "confidence": <integer 0-100>, "affected_coins": [<ticker symbols>], "reasoning": "<one sentence>"}

Title: %s
Summary: %s`

type llmVerdict struct {
	Impact        Impact   `json:"impact"`
	Confidence    int      `json:"confidence"`
	AffectedCoins []string `json:"affected_coins"`
	Reasoning     string   `json:"reasoning"`
}

func (a *Analyzer) ask(ctx context.Context, title, summary string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(ctx, a.model,
		fmt.Sprintf(promptTemplate, title, summary),
		llms.WithTemperature(0),
		llms.WithMaxTokens(300))
	if err != nil {
		return Result{}, fmt.Errorf("generating verdict: %w", err)
	}
	v, err := parseVerdict(out)
	if err != nil {
		return Result{}, err
	}

	coins := v.AffectedCoins
	if len(coins) == 0 {
		coins = DetectCoins(title + "\n" + summary)
	}
	for i, c := range coins {
		coins[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	return Result{
		Impact:        v.Impact,
		Confidence:    v.Confidence,
		AffectedCoins: coins,
		Reasoning:     v.Reasoning,
		Method:        ModeLLM,
	}, nil
}

// parseVerdict extracts the JSON object from the model output, tolerating
// code fences and surrounding prose.
func parseVerdict(out string) (llmVerdict, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return llmVerdict{}, fmt.Errorf("no JSON object in model output")
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("decoding model output: %w", err)
	}
	if !v.Impact.Valid() {
		return llmVerdict{}, fmt.Errorf("unknown impact %q", v.Impact)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return llmVerdict{}, fmt.Errorf("confidence %d out of range", v.Confidence)
	}
	return v, nil
}
