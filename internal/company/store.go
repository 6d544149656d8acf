package company

import (
	"context"
	"time"

	"github.com/sells-group/company-search/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	AccountID string          `json:"account_id,omitempty"`
	Status    model.RunStatus `json:"status,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
	// CreatedAfter keeps runs created at or after this instant when non-zero.
	CreatedAfter time.Time `json:"created_after,omitempty"`
}

// RunOutcome is the terminal state recorded for a run.
type RunOutcome struct {
	Status      model.RunStatus
	ResultCount int
	CostUSD     float64
	Error       string
}

// Store defines persistence for runs, companies and run-company links.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.SearchRun) error
	// CompleteRun moves a processing run to its terminal state. It fails
	// when the run is missing or already finished.
	CompleteRun(ctx context.Context, runID string, outcome RunOutcome) error
	GetRun(ctx context.Context, runID string) (*model.SearchRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SearchRun, error)

	// Companies. Lookups return (nil, nil) when nothing matches.
	GetCompany(ctx context.Context, id int64) (*CompanyRecord, error)
	GetCompanies(ctx context.Context, ids []int64) ([]CompanyRecord, error)
	FindByDomain(ctx context.Context, domain string) (*CompanyRecord, error)
	FindByName(ctx context.Context, name string) (*CompanyRecord, error)
	// InsertCompany inserts c and sets its ID. When a record with the same
	// domain (or name, for domainless records) already exists, nothing is
	// written and inserted is false.
	InsertCompany(ctx context.Context, c *CompanyRecord) (inserted bool, err error)
	// AddSource appends source to the record's source set when absent and
	// touches its updated time.
	AddSource(ctx context.Context, companyID int64, source string) error

	// Links
	LinkSearchResult(ctx context.Context, link SearchResultLink) error
	ListRunResults(ctx context.Context, runID string) ([]RunResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
