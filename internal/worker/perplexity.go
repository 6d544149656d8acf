package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/perplexity"
)

// Perplexity asks Perplexity's web-grounded models for candidate companies.
type Perplexity struct {
	client perplexity.Client
	calc   *cost.Calculator
	model  string
}

// NewPerplexity creates the perplexity source. A nil client leaves it
// unconfigured. An empty model uses the client's default.
func NewPerplexity(client perplexity.Client, calc *cost.Calculator, model string) *Perplexity {
	return &Perplexity{client: client, calc: calc, model: model}
}

// Name implements Source.
func (s *Perplexity) Name() string { return "perplexity" }

// Ready implements Source.
func (s *Perplexity) Ready() error {
	if s.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Fetch implements Source.
func (s *Perplexity) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	temp := 0.2
	resp, err := s.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: s.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: candidateSystemPrompt},
			{Role: "user", Content: candidatePrompt(req)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return FetchResult{}, err
	}

	usage := model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Calls:        1,
		Cost:         s.calc.Perplexity(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}

	cands, err := ParseCandidates(resp.Content(), s.Name())
	if err != nil {
		zap.L().Warn("worker: unparseable perplexity response", zap.Int("call", req.Call), zap.Error(err))
	}
	return FetchResult{Candidates: cands, Usage: usage}, nil
}
