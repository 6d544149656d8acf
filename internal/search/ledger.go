package search

import (
	"maps"
	"sync"

	"github.com/sells-group/company-search/internal/model"
)

// CostLedger accumulates token usage and cost for one run, per source.
type CostLedger struct {
	mu       sync.Mutex
	total    model.TokenUsage
	bySource map[string]model.TokenUsage
}

// NewCostLedger creates an empty ledger.
func NewCostLedger() *CostLedger {
	return &CostLedger{bySource: make(map[string]model.TokenUsage)}
}

// Add records usage attributed to source.
func (l *CostLedger) Add(source string, u model.TokenUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total.Add(u)
	s := l.bySource[source]
	s.Add(u)
	l.bySource[source] = s
}

// Total returns the accumulated usage.
func (l *CostLedger) Total() model.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// BySource returns a copy of the per-source usage.
func (l *CostLedger) BySource() map[string]model.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.bySource)
}

// PerCompany returns the total cost divided by n, or 0 when n is 0.
func (l *CostLedger) PerCompany(n int) float64 {
	if n <= 0 {
		return 0
	}
	return l.Total().Cost / float64(n)
}
