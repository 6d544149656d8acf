package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/gemini"
)

// Gemini asks Gemini with Google Search grounding for candidate companies.
type Gemini struct {
	client gemini.Client
	calc   *cost.Calculator
	model  string
}

// NewGemini creates the gemini source. A nil client leaves it unconfigured.
// model is used for pricing only.
func NewGemini(client gemini.Client, calc *cost.Calculator, model string) *Gemini {
	if model == "" {
		model = gemini.DefaultModel
	}
	return &Gemini{client: client, calc: calc, model: model}
}

// Name implements Source.
func (s *Gemini) Name() string { return "gemini" }

// Ready implements Source.
func (s *Gemini) Ready() error {
	if s.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Fetch implements Source.
func (s *Gemini) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	resp, err := s.client.Search(ctx, gemini.SearchRequest{
		System: candidateSystemPrompt,
		Prompt: candidatePrompt(req),
	})
	if err != nil {
		return FetchResult{}, err
	}

	usage := model.TokenUsage{
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Calls:        1,
		Cost:         s.calc.Gemini(s.model, resp.InputTokens, resp.OutputTokens),
	}

	cands, err := ParseCandidates(resp.Text, s.Name())
	if err != nil {
		zap.L().Warn("worker: unparseable gemini response",
			zap.Int("call", req.Call),
			zap.Int("grounding_sources", len(resp.Sources)),
			zap.Error(err),
		)
	}
	return FetchResult{Candidates: cands, Usage: usage}, nil
}
