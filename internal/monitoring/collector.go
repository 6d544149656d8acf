// Package monitoring watches recent search runs and raises alerts when they
// fail, overspend or stall.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/model"
)

// MetricsSnapshot holds a point-in-time view of search health.
type MetricsSnapshot struct {
	// Runs within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsProcessing int     `json:"runs_processing"`
	FailRate       float64 `json:"fail_rate"`
	CostUSD        float64 `json:"cost_usd"`
	AvgResults     float64 `json:"avg_results"`
	// Short counts completed runs that found fewer companies than requested.
	Short int `json:"short"`

	// Stuck counts runs still processing after the stuck threshold.
	Stuck    int      `json:"stuck"`
	StuckIDs []string `json:"stuck_ids,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of company.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter company.RunFilter) ([]model.SearchRun, error)
}

// Collector gathers snapshots from the run store.
type Collector struct {
	store      RunLister
	stuckAfter time.Duration
	nowFunc    func() time.Time
}

// NewCollector creates a collector. Runs processing for longer than
// stuckAfter are reported as stuck; zero means 15 minutes.
func NewCollector(store RunLister, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	return &Collector{store: store, stuckAfter: stuckAfter, nowFunc: time.Now}
}

// Collect gathers a snapshot of runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListRuns(ctx, company.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var results int
	for _, r := range runs {
		snap.CostUSD += r.CostUSD
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
			results += r.ResultCount
			if r.ResultCount < r.DesiredCount {
				snap.Short++
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusProcessing:
			snap.RunsProcessing++
			if now.Sub(r.CreatedAt) > c.stuckAfter {
				snap.Stuck++
				snap.StuckIDs = append(snap.StuckIDs, r.ID)
			}
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsCompleted > 0 {
		snap.AvgResults = float64(results) / float64(snap.RunsCompleted)
	}

	return snap, nil
}
