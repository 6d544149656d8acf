package model

import (
	"net/url"
	"strings"
)

// CandidateCompany is one source's unverified observation of a company.
type CandidateCompany struct {
	Name        string      `json:"name"`
	Domain      string      `json:"domain,omitempty"`
	Description string      `json:"description,omitempty"`
	Industry    string      `json:"industry,omitempty"`
	Location    string      `json:"location,omitempty"`
	Website     string      `json:"website,omitempty"`
	Employees   string      `json:"employees,omitempty"`
	Revenue     string      `json:"revenue,omitempty"`
	Funding     string      `json:"funding,omitempty"`
	Source      string      `json:"source"`
	Confidence  float64     `json:"confidence"`
	Usage       *TokenUsage `json:"usage,omitempty"`
}

// Key returns the dedupe key: the normalized domain when present,
// otherwise the lowercased name prefixed to keep the namespaces apart.
func (c CandidateCompany) Key() string {
	if d := NormalizeDomain(c.Domain); d != "" {
		return "domain:" + d
	}
	if d := NormalizeDomain(c.Website); d != "" {
		return "domain:" + d
	}
	return "name:" + strings.ToLower(strings.TrimSpace(c.Name))
}

// NormalizeDomain reduces a domain or URL to its bare lowercase host
// without scheme, www prefix, port or path. Returns "" for unusable input.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	host = strings.TrimSuffix(host, ".")
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " _") {
		return ""
	}
	return host
}

// TokenUsage tracks token consumption and cost for upstream calls.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Calls        int     `json:"calls"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Calls += other.Calls
	t.Cost += other.Cost
}

// Share returns the usage divided evenly across n items.
func (t TokenUsage) Share(n int) TokenUsage {
	if n <= 0 {
		return TokenUsage{}
	}
	return TokenUsage{
		InputTokens:  t.InputTokens / n,
		OutputTokens: t.OutputTokens / n,
		Cost:         t.Cost / float64(n),
	}
}
