package worker

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/pkg/google"
)

// placesConfidence is the confidence given to business listings: they exist
// but may only loosely match the query.
const placesConfidence = 0.7

// Places pages through Google Places text search for every query variant.
type Places struct {
	client google.Client
	calc   *cost.Calculator
}

// NewPlaces creates the places source. A nil client leaves it unconfigured.
func NewPlaces(client google.Client, calc *cost.Calculator) *Places {
	return &Places{client: client, calc: calc}
}

// Name implements Source.
func (s *Places) Name() string { return "places" }

// Ready implements Source.
func (s *Places) Ready() error {
	if s.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Fetch implements Source. The cursor carries the variant index and the
// next page token of that variant.
func (s *Places) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	variants := req.Variants
	if len(variants) == 0 {
		variants = []string{req.Variant()}
	}
	idx, token := decodePlacesCursor(req.Cursor)
	if idx >= len(variants) {
		return FetchResult{Exhausted: true}, nil
	}

	resp, err := s.client.TextSearch(ctx, google.TextSearchRequest{
		TextQuery: variants[idx],
		PageSize:  min(max(req.Want, 1), 20),
		PageToken: token,
	})
	if err != nil {
		return FetchResult{}, err
	}

	cands := make([]model.CandidateCompany, 0, len(resp.Places))
	for _, p := range resp.Places {
		if p.BusinessStatus == "CLOSED_PERMANENTLY" || p.DisplayName.Text == "" {
			continue
		}
		cands = append(cands, model.CandidateCompany{
			Name:       p.DisplayName.Text,
			Domain:     model.NormalizeDomain(p.WebsiteURI),
			Website:    p.WebsiteURI,
			Industry:   p.PrimaryTypeDisplayName.Text,
			Location:   p.FormattedAddress,
			Source:     s.Name(),
			Confidence: placesConfidence,
		})
	}

	res := FetchResult{
		Candidates: cands,
		Usage:      model.TokenUsage{Calls: 1, Cost: s.calc.Places()},
	}
	switch {
	case resp.NextPageToken != "":
		res.Cursor = encodePlacesCursor(idx, resp.NextPageToken)
	case idx+1 < len(variants):
		res.Cursor = encodePlacesCursor(idx+1, "")
	default:
		res.Exhausted = true
	}
	return res, nil
}

func encodePlacesCursor(idx int, token string) string {
	return strconv.Itoa(idx) + ":" + token
}

func decodePlacesCursor(c string) (int, string) {
	head, token, ok := strings.Cut(c, ":")
	if !ok {
		return 0, ""
	}
	idx, err := strconv.Atoi(head)
	if err != nil || idx < 0 {
		return 0, ""
	}
	return idx, token
}
