// Package company defines the canonical company record, its persistence and
// the merge step that reconciles candidates against it.
package company

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/company-search/internal/model"
)

// CompanyRecord is the canonical persisted company.
type CompanyRecord struct { //nolint:revive // stutters but reads better at call sites
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Domain       string    `json:"domain,omitempty" db:"domain"`
	Website      string    `json:"website,omitempty" db:"website"`
	Description  string    `json:"description,omitempty" db:"description"`
	Industry     string    `json:"industry,omitempty" db:"industry"`
	Location     string    `json:"location,omitempty" db:"location"`
	EmployeeHint string    `json:"employee_hint,omitempty" db:"employee_hint"`
	RevenueHint  string    `json:"revenue_hint,omitempty" db:"revenue_hint"`
	FundingHint  string    `json:"funding_hint,omitempty" db:"funding_hint"`
	Sources      []string  `json:"sources" db:"sources"`
	QualityScore int       `json:"quality_score" db:"quality_score"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasSource reports whether source already contributed to the record.
func (r *CompanyRecord) HasSource(source string) bool {
	return slices.Contains(r.Sources, source)
}

// SearchResultLink joins a run to a company it surfaced.
type SearchResultLink struct {
	RunID      string    `json:"run_id" db:"run_id"`
	CompanyID  int64     `json:"company_id" db:"company_id"`
	Source     string    `json:"source" db:"source"`
	MatchScore float64   `json:"match_score" db:"match_score"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RunResult is a linked company as returned for a run.
type RunResult struct {
	Company    CompanyRecord `json:"company"`
	Source     string        `json:"source"`
	MatchScore float64       `json:"match_score"`
}

// NewRecord seeds a CompanyRecord from a candidate. The quality score is the
// candidate confidence scaled to 0-100.
func NewRecord(c model.CandidateCompany) *CompanyRecord {
	domain := model.NormalizeDomain(c.Domain)
	if domain == "" {
		domain = model.NormalizeDomain(c.Website)
	}
	website := strings.TrimSpace(c.Website)
	if website == "" && domain != "" {
		website = "https://" + domain
	}
	return &CompanyRecord{
		Name:         strings.TrimSpace(c.Name),
		Domain:       domain,
		Website:      website,
		Description:  strings.TrimSpace(c.Description),
		Industry:     strings.TrimSpace(c.Industry),
		Location:     strings.TrimSpace(c.Location),
		EmployeeHint: strings.TrimSpace(c.Employees),
		RevenueHint:  strings.TrimSpace(c.Revenue),
		FundingHint:  strings.TrimSpace(c.Funding),
		Sources:      []string{c.Source},
		QualityScore: QualityScore(c.Confidence),
	}
}

// QualityScore scales a [0,1] confidence to an integer 0-100 score.
func QualityScore(confidence float64) int {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return int(math.Round(confidence * 100))
}
