package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/anthropic"
)

// Claude asks a Claude model for candidate companies from its own knowledge.
type Claude struct {
	client    anthropic.Client
	calc      *cost.Calculator
	model     string
	maxTokens int64
}

// NewClaude creates the claude source. A nil client leaves it unconfigured.
func NewClaude(client anthropic.Client, calc *cost.Calculator, model string) *Claude {
	if model == "" {
		model = anthropic.DefaultModel
	}
	return &Claude{client: client, calc: calc, model: model, maxTokens: 4096}
}

// Name implements Source.
func (s *Claude) Name() string { return "claude" }

// Ready implements Source.
func (s *Claude) Ready() error {
	if s.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Fetch implements Source.
func (s *Claude) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    anthropic.CachedSystem(candidateSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: candidatePrompt(req)}},
	})
	if err != nil {
		return FetchResult{}, statusError("anthropic", anthropic.StatusCode(err), err)
	}

	in := int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens)
	out := int(resp.Usage.OutputTokens)
	usage := model.TokenUsage{
		InputTokens:  in,
		OutputTokens: out,
		Calls:        1,
		Cost:         s.calc.Claude(s.model, in, out),
	}

	cands, err := ParseCandidates(resp.Text(), s.Name())
	if err != nil {
		zap.L().Warn("worker: unparseable claude response", zap.Int("call", req.Call), zap.Error(err))
	}
	return FetchResult{Candidates: cands, Usage: usage}, nil
}
