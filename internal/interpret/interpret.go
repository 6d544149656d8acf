// Package interpret turns a free-text company search query into a
// structured target profile and a set of source-oriented query variants.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/anthropic"
)

// MaxVariants caps the number of query variants handed to workers.
const MaxVariants = 6

const systemPrompt = `You convert free-text business search requests into structured search criteria.
Return a single JSON object and nothing else, with these fields:
- industries: array of strings
- locations: array of strings (cities, regions or countries)
- company_sizes: array of strings (e.g. "1-10", "11-50", "51-200", "201-1000", "1000+")
- technologies: array of strings
- keywords: array of strings
- funding_stages: array of strings (e.g. "seed", "series a", "public")
- description: one sentence describing the ideal company
- query_variants: up to 5 short alternative search phrasings suited to web search engines and business directories

Leave a field empty when the request does not mention it.`

// Interpretation is the outcome of interpreting one query.
type Interpretation struct {
	Profile  model.TargetProfile
	Variants []string
	Usage    model.TokenUsage
	// Fallback is set when the structured interpretation failed and the raw
	// text was used as the sole criterion.
	Fallback bool
}

// Options configures an Interpreter.
type Options struct {
	Model     string
	MaxTokens int64
}

// Interpreter calls a reasoning model to interpret queries.
type Interpreter struct {
	client    anthropic.Client
	calc      *cost.Calculator
	model     string
	maxTokens int64
}

// New creates an Interpreter. A nil client makes every call fall back.
func New(client anthropic.Client, calc *cost.Calculator, opts Options) *Interpreter {
	if opts.Model == "" {
		opts.Model = anthropic.DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	return &Interpreter{client: client, calc: calc, model: opts.Model, maxTokens: opts.MaxTokens}
}

type llmProfile struct {
	model.TargetProfile
	QueryVariants []string `json:"query_variants"`
}

// Interpret never fails: any provider or parse error yields the fallback
// interpretation built from the raw text.
func (i *Interpreter) Interpret(ctx context.Context, raw string) Interpretation {
	raw = strings.TrimSpace(raw)
	log := zap.L().With(zap.String("query", raw))

	if i.client == nil {
		log.Debug("interpret: no reasoning client configured, using fallback")
		return Fallback(raw)
	}

	resp, err := i.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     i.model,
		MaxTokens: i.maxTokens,
		System:    anthropic.CachedSystem(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Search request:\n%s", raw)},
		},
	})
	if err != nil {
		log.Warn("interpret: provider call failed, using fallback", zap.Error(err))
		return Fallback(raw)
	}

	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.CacheCreationInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Calls:        1,
	}
	usage.Cost = i.calc.Claude(i.model, usage.InputTokens, usage.OutputTokens)

	parsed, err := parseProfile(resp.Text())
	if err != nil || parsed.TargetProfile.IsEmpty() {
		if err == nil {
			err = eris.New("interpret: empty profile")
		}
		log.Warn("interpret: unusable response, using fallback", zap.Error(err))
		out := Fallback(raw)
		out.Usage = usage
		return out
	}

	profile := clean(parsed.TargetProfile)
	return Interpretation{
		Profile:  profile,
		Variants: Variants(raw, parsed.QueryVariants),
		Usage:    usage,
	}
}

// Fallback treats the whole raw text as the sole keyword, the description and
// the only query variant.
func Fallback(raw string) Interpretation {
	raw = strings.TrimSpace(raw)
	return Interpretation{
		Profile: model.TargetProfile{
			Keywords:    []string{raw},
			Description: raw,
		},
		Variants: []string{raw},
		Fallback: true,
	}
}

// Variants returns raw followed by the distinct non-empty extra variants,
// compared case-insensitively, capped at MaxVariants.
func Variants(raw string, extra []string) []string {
	out := make([]string, 0, MaxVariants)
	seen := make(map[string]bool)
	add := func(v string) {
		v = strings.Join(strings.Fields(v), " ")
		k := strings.ToLower(v)
		if v == "" || seen[k] || len(out) >= MaxVariants {
			return
		}
		seen[k] = true
		out = append(out, v)
	}
	add(raw)
	for _, v := range extra {
		add(v)
	}
	return out
}

func parseProfile(text string) (llmProfile, error) {
	var p llmProfile
	body := cleanJSON(text)
	if body == "" {
		return p, eris.New("interpret: no JSON object in response")
	}
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return p, eris.Wrap(err, "interpret: unmarshal profile")
	}
	return p, nil
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func clean(p model.TargetProfile) model.TargetProfile {
	p.Industries = dedupe(p.Industries)
	p.Locations = dedupe(p.Locations)
	p.CompanySizes = dedupe(p.CompanySizes)
	p.Technologies = dedupe(p.Technologies)
	p.Keywords = dedupe(p.Keywords)
	p.FundingStages = dedupe(p.FundingStages)
	p.Description = strings.TrimSpace(p.Description)
	return p
}

func dedupe(vals []string) []string {
	if len(vals) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(vals))
	out := vals[:0]
	for _, v := range vals {
		v = strings.TrimSpace(v)
		k := strings.ToLower(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
