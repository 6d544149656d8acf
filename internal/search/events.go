package search

import (
	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/model"
)

// EventType names a stream event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventSearchStarted   EventType = "search_started"
	EventRoundStarted    EventType = "round_started"
	EventWorkerStarted   EventType = "worker_started"
	EventNewCompany      EventType = "new_company"
	EventCostUpdate      EventType = "cost_update"
	EventWorkerCompleted EventType = "worker_completed"
	EventWorkerError     EventType = "worker_error"
	EventCostSummary     EventType = "cost_summary"
	EventSearchCompleted EventType = "search_completed"
	EventError           EventType = "error"
)

// Event is one item on a run's output stream. Data holds the payload struct
// matching Type.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// StatusData is a human-readable progress message.
type StatusData struct {
	Message string `json:"message"`
}

// SearchStartedData announces the run.
type SearchStartedData struct {
	RunID        string `json:"run_id"`
	Query        string `json:"query"`
	DesiredCount int    `json:"desired_count"`
}

// RoundStartedData announces a round of worker fan-out.
type RoundStartedData struct {
	Round     int      `json:"round"`
	Remaining int      `json:"remaining"`
	Workers   []string `json:"workers"`
}

// WorkerData describes a worker lifecycle change.
type WorkerData struct {
	Worker string `json:"worker"`
	Round  int    `json:"round"`
	Count  int    `json:"count,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewCompanyData carries one company surfaced by the run.
type NewCompanyData struct {
	Company *company.CompanyRecord `json:"company"`
	IsNew   bool                   `json:"is_new"`
	Source  string                 `json:"source"`
	// Found is the number of companies counted toward the target so far.
	Found int `json:"found"`
}

// CostUpdateData is the running cost of the run.
type CostUpdateData struct {
	TotalCost    float64 `json:"total_cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// CostSummaryData is emitted once when the run ends.
type CostSummaryData struct {
	TotalCost      float64                     `json:"total_cost"`
	CompanyCount   int                         `json:"company_count"`
	CostPerCompany float64                     `json:"cost_per_company"`
	BySource       map[string]model.TokenUsage `json:"by_source"`
}

// SearchCompletedData ends a run that produced a result.
type SearchCompletedData struct {
	RunID     string               `json:"run_id"`
	Status    model.RunStatus      `json:"status"`
	Found     int                  `json:"found"`
	Replayed  int                  `json:"replayed"`
	Rounds    int                  `json:"rounds"`
	Shortfall int                  `json:"shortfall"`
	Workers   []model.WorkerStatus `json:"workers"`
}

// ErrorData is a fatal run error.
type ErrorData struct {
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message"`
}
