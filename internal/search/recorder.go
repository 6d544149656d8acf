package search

import (
	"context"
	"time"

	"github.com/sells-group/company-search/internal/model"
)

// Merge outcomes reported to a Recorder.
const (
	MergeNew       = "new"
	MergeExisting  = "existing"
	MergeDuplicate = "duplicate"
	MergeSurplus   = "surplus"
	MergeError     = "error"
)

// Recorder receives run observations for a metrics sink.
type Recorder interface {
	SearchRejected(reason string)
	SearchFinished(status model.RunStatus, elapsed time.Duration, found int, cost float64)
	WorkerBatch(worker string, candidates int, usage model.TokenUsage)
	WorkerFinished(worker string, err error)
	MergeObserved(outcome string)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func (NopRecorder) SearchRejected(string) {}
func (NopRecorder) SearchFinished(model.RunStatus, time.Duration, int, float64) {}
func (NopRecorder) WorkerBatch(string, int, model.TokenUsage) {}
func (NopRecorder) WorkerFinished(string, error) {}
func (NopRecorder) MergeObserved(string) {}

// EnrichmentQueue receives companies created by a run for follow-up
// enrichment outside the search pipeline.
type EnrichmentQueue interface {
	Enqueue(ctx context.Context, companyID int64) error
}
