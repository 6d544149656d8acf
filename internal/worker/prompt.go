package worker

import (
	"fmt"
	"strings"

	"github.com/sells-group/company-search/internal/resilience"
)

const candidateSystemPrompt = `You are a business research assistant that finds real, currently operating companies.
Return ONLY a JSON array. Each element is an object with these fields:
- name: legal or commonly used company name (required)
- domain: primary website domain without scheme, e.g. "acme.com"
- description: one sentence on what the company does
- industry: primary industry
- location: headquarters city and country
- employees: employee count or range, e.g. "51-200"
- revenue: annual revenue estimate if known
- funding: total funding or latest funding stage if known
- confidence: number between 0 and 1 for how well the company matches the request

Only include companies you are confident exist. Never invent domains.`

// candidatePrompt renders the per-call user prompt shared by the LLM sources.
func candidatePrompt(req FetchRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find %d companies matching this search: %q\n", req.Want, req.Variant())
	if s := req.Profile.Summary(); s != "" {
		b.WriteString("\nTarget profile:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if len(req.Exclude) > 0 {
		b.WriteString("\nDo not include any of these companies, they are already known:\n")
		b.WriteString(strings.Join(req.Exclude, ", "))
		b.WriteString("\n")
	}
	if req.Call > 0 {
		b.WriteString("\nPrefer less obvious matches than a first search would return.\n")
	}
	return b.String()
}

// statusError adapts an SDK error carrying only a status code so the shared
// retry and breaker logic can classify it.
func statusError(service string, code int, err error) error {
	if code == 0 {
		return err
	}
	return &resilience.HTTPError{Service: service, StatusCode: code, Body: err.Error()}
}
