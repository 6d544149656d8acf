package worker

import (
	"context"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/jina"
)

const jinaConfidence = 0.4

// DefaultDirectoryDomains are list and aggregator sites whose pages describe
// many companies rather than one.
var DefaultDirectoryDomains = []string{
	"linkedin.com", "crunchbase.com", "wikipedia.org", "glassdoor.com", "indeed.com",
	"facebook.com", "twitter.com", "x.com", "youtube.com", "instagram.com", "medium.com",
	"reddit.com", "bloomberg.com", "forbes.com", "techcrunch.com", "yelp.com",
	"zoominfo.com", "pitchbook.com", "dnb.com", "tracxn.com", "f6s.com", "clutch.co",
	"g2.com", "capterra.com", "angel.co", "wellfound.com", "producthunt.com",
}

// Jina turns web search hits into candidates, one per distinct site, skipping
// directory and news domains.
type Jina struct {
	client    jina.Client
	calc      *cost.Calculator
	blocklist map[string]bool
}

// NewJina creates the jina source. A nil client leaves it unconfigured. An
// empty blocklist uses DefaultDirectoryDomains.
func NewJina(client jina.Client, calc *cost.Calculator, blocklist []string) *Jina {
	if len(blocklist) == 0 {
		blocklist = DefaultDirectoryDomains
	}
	bl := make(map[string]bool, len(blocklist))
	for _, d := range blocklist {
		bl[model.NormalizeDomain(d)] = true
	}
	return &Jina{client: client, calc: calc, blocklist: bl}
}

// Name implements Source.
func (s *Jina) Name() string { return "jina" }

// Ready implements Source.
func (s *Jina) Ready() error {
	if s.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Fetch implements Source. Each call searches the next query variant; the
// source is exhausted after the last one.
func (s *Jina) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	resp, err := s.client.Search(ctx, req.Variant())
	if err != nil {
		return FetchResult{}, err
	}

	tokens := resp.Tokens()
	res := FetchResult{
		Usage:     model.TokenUsage{InputTokens: tokens, Calls: 1, Cost: s.calc.Jina(tokens)},
		Exhausted: req.Call+1 >= len(req.Variants),
	}
	for _, r := range resp.Data {
		domain := model.NormalizeDomain(r.URL)
		if domain == "" || s.blocked(domain) {
			continue
		}
		name := titleToName(r.Title, domain)
		res.Candidates = append(res.Candidates, model.CandidateCompany{
			Name:        name,
			Domain:      domain,
			Website:     siteRoot(r.URL),
			Description: strings.TrimSpace(r.Description),
			Source:      s.Name(),
			Confidence:  jinaConfidence,
		})
	}
	return res, nil
}

func (s *Jina) blocked(domain string) bool {
	for d := domain; d != ""; {
		if s.blocklist[d] {
			return true
		}
		_, rest, ok := strings.Cut(d, ".")
		if !ok || !strings.Contains(rest, ".") {
			return s.blocklist[rest]
		}
		d = rest
	}
	return false
}

var titleSeparators = []string{" | ", " - ", " – ", " — ", ": "}

// titleToName takes the site name from a page title such as
// "Acme AI - Agents for finance", falling back to the domain label.
func titleToName(title, domain string) string {
	title = strings.TrimSpace(title)
	for _, sep := range titleSeparators {
		if i := strings.Index(title, sep); i > 0 {
			title = strings.TrimSpace(title[:i])
		}
	}
	if title == "" || strings.EqualFold(title, "home") || len(title) > 60 {
		label, _, _ := strings.Cut(domain, ".")
		if label == "" {
			return domain
		}
		r, size := utf8.DecodeRuneInString(label)
		return string(unicode.ToUpper(r)) + label[size:]
	}
	return title
}

func siteRoot(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
