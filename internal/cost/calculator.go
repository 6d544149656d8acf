// Package cost prices upstream provider usage.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]TokenRate `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     map[string]TokenRate `yaml:"gemini" mapstructure:"gemini"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
	Places     RequestRate          `yaml:"places" mapstructure:"places"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
}

// TokenRate is per-million-token pricing, plus an optional flat fee per
// request (search grounding).
type TokenRate struct {
	Input      float64 `yaml:"input" mapstructure:"input"`
	Output     float64 `yaml:"output" mapstructure:"output"`
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// PerplexityRate prices Perplexity chat completions.
type PerplexityRate struct {
	Input    float64 `yaml:"input" mapstructure:"input"`
	Output   float64 `yaml:"output" mapstructure:"output"`
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// RequestRate is a flat price per request.
type RequestRate struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// JinaRate prices Jina search by tokens consumed.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one Claude message. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output int) float64 {
	return tokenCost(c.rates.Anthropic[model], input, output)
}

// Gemini computes the cost of one Gemini call, including the grounding fee.
func (c *Calculator) Gemini(model string, input, output int) float64 {
	rate := c.rates.Gemini[model]
	return tokenCost(rate, input, output) + rate.PerRequest
}

// Perplexity computes the cost of one Perplexity completion.
func (c *Calculator) Perplexity(input, output int) float64 {
	r := c.rates.Perplexity
	return perMillion(input, r.Input) + perMillion(output, r.Output) + r.PerQuery
}

// Places returns the flat cost of one Places text search page.
func (c *Calculator) Places() float64 {
	return c.rates.Places.PerRequest
}

// Jina computes the cost of Jina token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return perMillion(tokens, c.rates.Jina.PerMTok)
}

func tokenCost(r TokenRate, input, output int) float64 {
	return perMillion(input, r.Input) + perMillion(output, r.Output)
}

func perMillion(tokens int, rate float64) float64 {
	return float64(tokens) / 1e6 * rate
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]TokenRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Gemini: map[string]TokenRate{
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50, PerRequest: 0.035},
		},
		Perplexity: PerplexityRate{Input: 1.00, Output: 1.00, PerQuery: 0.005},
		Places:     RequestRate{PerRequest: 0.032},
		Jina:       JinaRate{PerMTok: 0.02},
	}
}
