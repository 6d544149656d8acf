package worker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/model"
)

// DefaultConfidence is assigned when a source gives no confidence.
const DefaultConfidence = 0.5

// maxDecodeAttempts bounds how many opening brackets are tried when looking
// for the JSON payload inside free text.
const maxDecodeAttempts = 32

var (
	nameKeys        = []string{"name", "company_name", "company"}
	domainKeys      = []string{"domain"}
	websiteKeys     = []string{"website", "url", "homepage"}
	descriptionKeys = []string{"description", "summary"}
	industryKeys    = []string{"industry", "sector"}
	locationKeys    = []string{"location", "headquarters", "hq"}
	employeeKeys    = []string{"employees", "employee_count", "size", "headcount"}
	revenueKeys     = []string{"revenue", "annual_revenue"}
	fundingKeys     = []string{"funding", "total_funding", "funding_stage"}
	confidenceKeys  = []string{"confidence", "score"}
	wrapperKeys     = []string{"companies", "results", "data"}
)

// ParseCandidates extracts candidates from model output that is expected to
// hold a JSON array of companies, either bare or under a "companies" key. It
// tolerates markdown fences and prose around the payload. Entries without a
// name are skipped. An error means no payload could be found.
func ParseCandidates(text, source string) ([]model.CandidateCompany, error) {
	items, err := findItems(stripFences(text))
	if err != nil {
		return nil, err
	}

	out := make([]model.CandidateCompany, 0, len(items))
	for _, it := range items {
		c := model.CandidateCompany{
			Name:        pick(it, nameKeys),
			Domain:      pick(it, domainKeys),
			Website:     pick(it, websiteKeys),
			Description: pick(it, descriptionKeys),
			Industry:    pick(it, industryKeys),
			Location:    pick(it, locationKeys),
			Employees:   pick(it, employeeKeys),
			Revenue:     pick(it, revenueKeys),
			Funding:     pick(it, fundingKeys),
			Source:      source,
			Confidence:  confidence(it),
		}
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// findItems decodes the first JSON value in text that is either an array of
// objects or an object wrapping one.
func findItems(text string) ([]map[string]json.RawMessage, error) {
	attempts := 0
	for i := 0; i < len(text) && attempts < maxDecodeAttempts; i++ {
		if text[i] != '[' && text[i] != '{' {
			continue
		}
		attempts++

		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err != nil {
			continue
		}
		if items, ok := asItems(raw); ok {
			return items, nil
		}
		// Skip past this value; nested brackets belong to it.
		i += len(raw) - 1
	}
	return nil, eris.New("worker: no candidate JSON in response")
}

func asItems(raw json.RawMessage) ([]map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	if raw[0] == '[' {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		return items, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	for _, k := range wrapperKeys {
		if inner, ok := obj[k]; ok {
			return asItems(inner)
		}
	}
	// A single company object.
	for _, k := range nameKeys {
		if _, ok := obj[k]; ok {
			return []map[string]json.RawMessage{obj}, true
		}
	}
	return nil, false
}

// pick returns the first non-empty value among keys, rendering numbers as
// text.
func pick(it map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		raw, ok := it[k]
		if !ok {
			continue
		}
		if s := rawText(raw); s != "" {
			return s
		}
	}
	return ""
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func confidence(it map[string]json.RawMessage) float64 {
	s := pick(it, confidenceKeys)
	if s == "" {
		return DefaultConfidence
	}
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return DefaultConfidence
	}
	if v > 1 {
		v /= 100
	}
	return max(0, min(1, v))
}
