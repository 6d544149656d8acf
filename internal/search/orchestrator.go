// Package search coordinates a streaming company search run: it interprets
// the query, fans out to progressive workers in rounds, merges their output
// into the company store and streams progress events to the caller.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cache"
	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/interpret"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/worker"
)

var (
	// ErrMissingQuery rejects a run with an empty query.
	ErrMissingQuery = eris.New("search: missing query")
	// ErrRateLimited rejects a run over the account's hourly quota.
	ErrRateLimited = eris.New("search: rate limit exceeded")
)

// RateLimitError carries the quota decision behind ErrRateLimited.
type RateLimitError struct {
	Decision cache.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("search: rate limit exceeded (%d per hour), retry after %s",
		e.Decision.Limit, e.Decision.RetryAfter.Round(time.Second))
}

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Interpreter turns a raw query into a profile and variants.
type Interpreter interface {
	Interpret(ctx context.Context, raw string) interpret.Interpretation
}

// Merger reconciles candidates with the company store.
type Merger interface {
	Merge(ctx context.Context, cand model.CandidateCompany) (company.MergeResult, error)
	Link(ctx context.Context, runID string, companyID int64, source string, score float64) error
}

// Searcher is a progressive worker. *worker.Worker implements it.
type Searcher interface {
	Name() string
	Search(ctx context.Context, req worker.Request, out chan<- worker.Batch) error
}

// ResultCache maps normalized queries to previously found company IDs.
type ResultCache interface {
	Get(ctx context.Context, query string) ([]int64, bool, error)
	Put(ctx context.Context, query string, ids []int64) error
}

// RateLimiter enforces per-account search quotas.
type RateLimiter interface {
	Allow(ctx context.Context, account string) (cache.Decision, error)
}

// Options tunes the orchestrator.
type Options struct {
	// MaxRounds bounds worker fan-out rounds per run. Default: 5.
	MaxRounds int
	// FlushSize is the pending-merge size that triggers a flush and the
	// merge parallelism. Default: 10.
	FlushSize int
	// DefaultCount applies when a request has no desired count. Default: 10.
	DefaultCount int
	// MaxCount caps the desired count. Default: 100.
	MaxCount int
	// EventBuffer is the output channel capacity. Default: 64.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = 5
	}
	if o.FlushSize <= 0 {
		o.FlushSize = 10
	}
	if o.DefaultCount <= 0 {
		o.DefaultCount = 10
	}
	if o.MaxCount <= 0 {
		o.MaxCount = 100
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Deps are the orchestrator's collaborators. Store, Merger, Interpreter and
// Workers are required.
type Deps struct {
	Store       company.Store
	Merger      Merger
	Interpreter Interpreter
	Workers     []Searcher
	Results     ResultCache
	Limiter     RateLimiter
	Enrichment  EnrichmentQueue
	Recorder    Recorder
}

// Orchestrator runs streaming searches.
type Orchestrator struct {
	deps     Deps
	opts     Options
	nowFunc  func() time.Time
	inflight sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	return &Orchestrator{deps: deps, opts: opts.withDefaults(), nowFunc: time.Now}
}

// Request starts a run.
type Request struct {
	AccountID    string
	Query        string
	DesiredCount int
}

// Stream validates req, records the run and starts it. Validation failures
// (ErrMissingQuery, ErrRateLimited) are returned before any event is
// produced. The returned channel always ends with a search_completed or
// error event and is closed when the run is finished. Cancelling ctx stops
// all workers; the run is still recorded as finished.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		o.deps.Recorder.SearchRejected("missing_query")
		return nil, ErrMissingQuery
	}

	desired := req.DesiredCount
	if desired <= 0 {
		desired = o.opts.DefaultCount
	}
	desired = min(desired, o.opts.MaxCount)

	if o.deps.Limiter != nil {
		d, err := o.deps.Limiter.Allow(ctx, req.AccountID)
		switch {
		case err != nil:
			zap.L().Warn("search: rate limit check failed, allowing", zap.String("account", req.AccountID), zap.Error(err))
		case !d.Allowed:
			o.deps.Recorder.SearchRejected("rate_limited")
			return nil, &RateLimitError{Decision: d}
		}
	}

	run := &model.SearchRun{
		ID:           uuid.NewString(),
		AccountID:    req.AccountID,
		Query:        query,
		DesiredCount: desired,
		Status:       model.RunStatusProcessing,
		CreatedAt:    o.nowFunc().UTC(),
	}
	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "search: create run")
	}

	events := make(chan Event, o.opts.EventBuffer)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.execute(ctx, run, events)
	}()
	return events, nil
}

// Wait blocks until every started run has been recorded as finished or ctx
// is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "search: wait for runs")
	}
}

// Run is Stream for callers that consume events through a callback. It
// returns after the run has finished.
func (o *Orchestrator) Run(ctx context.Context, req Request, fn func(Event)) error {
	events, err := o.Stream(ctx, req)
	if err != nil {
		return err
	}
	for ev := range events {
		fn(ev)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, run *model.SearchRun, events chan<- Event) {
	defer close(events)

	r := newRunState(ctx, o, run, events)
	start := o.nowFunc()
	r.log.Info("search: run started", zap.String("account", run.AccountID), zap.Int("desired", run.DesiredCount))

	r.emit(EventSearchStarted, SearchStartedData{RunID: run.ID, Query: run.Query, DesiredCount: run.DesiredCount})

	interp := o.deps.Interpreter.Interpret(ctx, run.Query)
	r.ledger.Add("interpreter", interp.Usage)
	r.profile, r.variants = interp.Profile, interp.Variants
	msg := "Interpreted query into " + plural(len(r.variants), "search variant")
	if interp.Fallback {
		msg = "Searching for the query as written"
	}
	r.emit(EventStatus, StatusData{Message: msg})

	o.replay(ctx, r)

	rounds := 0
	for round := 1; round <= o.opts.MaxRounds && r.found < run.DesiredCount && ctx.Err() == nil; round++ {
		active := o.activeWorkers(r)
		if len(active) == 0 {
			break
		}
		rounds = round
		r.runRound(ctx, round, active)
	}

	o.finish(ctx, r, rounds, o.nowFunc().Sub(start))
}

// replay emits companies cached for the same normalized query. They are
// linked to the run but do not count toward the target.
func (o *Orchestrator) replay(ctx context.Context, r *runState) {
	if o.deps.Results == nil {
		return
	}
	ids, ok, err := o.deps.Results.Get(ctx, r.run.Query)
	if err != nil {
		r.log.Warn("search: result cache lookup failed", zap.Error(err))
		return
	}
	if !ok || len(ids) == 0 {
		return
	}
	recs, err := o.deps.Store.GetCompanies(ctx, ids)
	if err != nil {
		r.log.Warn("search: load cached companies failed", zap.Error(err))
		return
	}

	r.emit(EventStatus, StatusData{Message: "Found " + plural(len(recs), "previous result") + " for this query"})
	for i := range recs {
		rec := &recs[i]
		if err := o.deps.Merger.Link(ctx, r.run.ID, rec.ID, sourceCache, float64(rec.QualityScore)/100); err != nil {
			r.log.Warn("search: link cached company failed", zap.Int64("company_id", rec.ID), zap.Error(err))
			continue
		}
		r.remember(rec)
		r.replayed++
		r.emit(EventNewCompany, NewCompanyData{Company: rec, IsNew: false, Source: sourceCache, Found: r.found})
	}
}

// activeWorkers drops workers that reported ErrNotConfigured in an earlier
// round, or ran dry without contributing anything to it.
func (o *Orchestrator) activeWorkers(r *runState) []Searcher {
	var out []Searcher
	for _, w := range o.deps.Workers {
		if !r.disabled[w.Name()] {
			out = append(out, w)
		}
	}
	return out
}

func (o *Orchestrator) finish(ctx context.Context, r *runState, rounds int, elapsed time.Duration) {
	// The run is finalised even when the caller has gone away.
	fctx := context.WithoutCancel(ctx)
	run := r.run

	total := r.ledger.Total()
	linked := r.found + r.replayed
	status := model.RunStatusCompleted
	var failure string
	if linked == 0 && r.workerErrors > 0 && !r.workerSucceeded {
		status = model.RunStatusFailed
		failure = "no source could contribute results: " + strings.Join(r.errorMessages, "; ")
	}

	if o.deps.Results != nil && len(r.order) > 0 && status == model.RunStatusCompleted {
		if err := o.deps.Results.Put(fctx, run.Query, r.order); err != nil {
			r.log.Warn("search: cache results failed", zap.Error(err))
		}
	}

	if err := o.deps.Store.CompleteRun(fctx, run.ID, company.RunOutcome{
		Status:      status,
		ResultCount: linked,
		CostUSD:     total.Cost,
		Error:       failure,
	}); err != nil {
		r.log.Error("search: complete run failed", zap.Error(err))
	}

	shortfall := max(0, run.DesiredCount-r.found)
	o.deps.Recorder.SearchFinished(status, elapsed, r.found, total.Cost)
	r.log.Info("search: run finished",
		zap.String("status", string(status)),
		zap.Int("found", r.found),
		zap.Int("replayed", r.replayed),
		zap.Int("rounds", rounds),
		zap.Int("shortfall", shortfall),
		zap.Float64("cost_usd", total.Cost),
		zap.Duration("elapsed", elapsed),
	)

	r.emit(EventCostSummary, CostSummaryData{
		TotalCost:      total.Cost,
		CompanyCount:   linked,
		CostPerCompany: r.ledger.PerCompany(linked),
		BySource:       r.ledger.BySource(),
	})
	if status == model.RunStatusFailed {
		r.emit(EventError, ErrorData{RunID: run.ID, Message: failure})
		return
	}
	if shortfall > 0 {
		r.emit(EventStatus, StatusData{
			Message: fmt.Sprintf("Found %d of %d requested companies", r.found, run.DesiredCount),
		})
	}
	r.emit(EventSearchCompleted, SearchCompletedData{
		RunID:     run.ID,
		Status:    status,
		Found:     r.found,
		Replayed:  r.replayed,
		Rounds:    rounds,
		Shortfall: shortfall,
		Workers:   r.workerStatuses(),
	})
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// workerFailed reports whether a worker result is an error worth surfacing.
func workerFailed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, worker.ErrExhausted)
}
