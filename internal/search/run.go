package search

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/worker"
)

// sourceCache labels companies replayed from the result cache.
const sourceCache = "cache"

// runState is owned by the run's single consumer goroutine. Workers only
// touch the batch channel, so none of these fields need locking.
type runState struct {
	o      *Orchestrator
	run    *model.SearchRun
	events chan<- Event
	done   <-chan struct{}
	log    *zap.Logger
	ledger *CostLedger

	profile  model.TargetProfile
	variants []string

	found    int
	replayed int
	order    []int64
	linked   map[int64]bool
	names    []string

	statuses        map[string]*model.WorkerStatus
	disabled        map[string]bool
	roundBase       map[string]int
	workerErrors    int
	workerSucceeded bool
	errorMessages   []string

	cancelRound context.CancelFunc
}

func newRunState(ctx context.Context, o *Orchestrator, run *model.SearchRun, events chan<- Event) *runState {
	return &runState{
		o:         o,
		run:       run,
		events:    events,
		done:      ctx.Done(),
		log:       zap.L().With(zap.String("run_id", run.ID)),
		ledger:    NewCostLedger(),
		linked:    make(map[int64]bool),
		statuses:  make(map[string]*model.WorkerStatus),
		disabled:  make(map[string]bool),
		roundBase: make(map[string]int),
	}
}

// emit delivers an event unless the caller has gone away.
func (r *runState) emit(t EventType, data any) {
	ev := Event{Type: t, Data: data}
	select {
	case r.events <- ev:
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// remember links rec to the run's result set.
func (r *runState) remember(rec *company.CompanyRecord) {
	r.linked[rec.ID] = true
	r.order = append(r.order, rec.ID)
	r.names = append(r.names, rec.Name)
}

func (r *runState) status(name string) *model.WorkerStatus {
	st, ok := r.statuses[name]
	if !ok {
		st = &model.WorkerStatus{Name: name, State: model.WorkerPending}
		r.statuses[name] = st
	}
	return st
}

// workerStatuses returns a name-ordered snapshot of every worker's status.
func (r *runState) workerStatuses() []model.WorkerStatus {
	out := make([]model.WorkerStatus, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type workerResult struct {
	name string
	err  error
}

// runRound fans out to workers and merges their batches until every worker
// has returned. Reaching the target cancels the round's workers.
func (r *runState) runRound(ctx context.Context, round int, workers []Searcher) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelRound = cancel

	remaining := r.run.DesiredCount - r.found
	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = w.Name()
	}
	r.log.Info("search: round started", zap.Int("round", round), zap.Int("remaining", remaining), zap.Strings("workers", names))
	r.emit(EventRoundStarted, RoundStartedData{Round: round, Remaining: remaining, Workers: names})

	req := worker.Request{
		Variants: r.variants,
		Profile:  r.profile,
		Desired:  remaining,
		Exclude:  slices.Clone(r.names),
	}
	batches := make(chan worker.Batch, len(workers))
	results := make(chan workerResult, len(workers))
	for _, w := range workers {
		r.roundBase[w.Name()] = r.status(w.Name()).CompaniesFound
		r.status(w.Name()).State = model.WorkerRunning
		r.emit(EventWorkerStarted, WorkerData{Worker: w.Name(), Round: round})
		go func() {
			err := w.Search(rctx, req, batches)
			results <- workerResult{name: w.Name(), err: err}
		}()
	}

	var pending []model.CandidateCompany
	for active := len(workers); active > 0; {
		select {
		case b := <-batches:
			pending = r.accept(b, pending)
			if len(pending) >= r.o.opts.FlushSize {
				r.flush(ctx, pending)
				pending = nil
			}
		case res := <-results:
			active--
			// Everything the worker sent before returning is already buffered.
			pending = r.drain(batches, pending)
			if len(pending) > 0 {
				r.flush(ctx, pending)
				pending = nil
			}
			r.workerDone(round, res)
		}
	}
	pending = r.drain(batches, pending)
	if len(pending) > 0 {
		r.flush(ctx, pending)
	}
}

func (r *runState) drain(batches <-chan worker.Batch, pending []model.CandidateCompany) []model.CandidateCompany {
	for {
		select {
		case b := <-batches:
			pending = r.accept(b, pending)
		default:
			return pending
		}
	}
}

// accept books a batch's usage and queues its candidates unless the target
// has already been met.
func (r *runState) accept(b worker.Batch, pending []model.CandidateCompany) []model.CandidateCompany {
	r.ledger.Add(b.Worker, b.Usage)
	r.o.deps.Recorder.WorkerBatch(b.Worker, len(b.Candidates), b.Usage)
	if r.found >= r.run.DesiredCount {
		return pending
	}
	for _, c := range b.Candidates {
		if c.Source == "" {
			c.Source = b.Worker
		}
		pending = append(pending, c)
	}
	return pending
}

type mergeOutcome struct {
	res company.MergeResult
	err error
}

// flush merges items in parallel, then accounts for them in queue order so
// that each worker's candidates surface in the order it produced them.
func (r *runState) flush(ctx context.Context, items []model.CandidateCompany) {
	deps := r.o.deps
	outcomes := make([]mergeOutcome, len(items))

	var g errgroup.Group
	g.SetLimit(r.o.opts.FlushSize)
	for i := range items {
		g.Go(func() error {
			res, err := deps.Merger.Merge(ctx, items[i])
			outcomes[i] = mergeOutcome{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, cand := range items {
		out := outcomes[i]
		if out.err != nil {
			r.log.Warn("search: merge failed, dropping candidate",
				zap.String("worker", cand.Source),
				zap.String("name", cand.Name),
				zap.String("domain", cand.Domain),
				zap.Error(out.err),
			)
			deps.Recorder.MergeObserved(MergeError)
			continue
		}
		id := out.res.CompanyID
		if r.linked[id] {
			deps.Recorder.MergeObserved(MergeDuplicate)
			continue
		}
		if r.found >= r.run.DesiredCount {
			// Persisted by the merge, but beyond what the caller asked for.
			deps.Recorder.MergeObserved(MergeSurplus)
			continue
		}

		rec := out.res.Company
		if rec == nil {
			var err error
			if rec, err = deps.Store.GetCompany(ctx, id); err != nil || rec == nil {
				r.log.Warn("search: load merged company failed", zap.Int64("company_id", id), zap.Error(err))
				deps.Recorder.MergeObserved(MergeError)
				continue
			}
		}
		if err := deps.Merger.Link(ctx, r.run.ID, id, cand.Source, cand.Confidence); err != nil {
			r.log.Warn("search: link failed, dropping candidate", zap.Int64("company_id", id), zap.Error(err))
			deps.Recorder.MergeObserved(MergeError)
			continue
		}

		r.remember(rec)
		r.found++
		r.status(cand.Source).CompaniesFound++
		if out.res.IsNew {
			deps.Recorder.MergeObserved(MergeNew)
		} else {
			deps.Recorder.MergeObserved(MergeExisting)
		}
		r.emit(EventNewCompany, NewCompanyData{Company: rec, IsNew: out.res.IsNew, Source: cand.Source, Found: r.found})

		if out.res.IsNew && deps.Enrichment != nil {
			if err := deps.Enrichment.Enqueue(ctx, id); err != nil {
				r.log.Warn("search: enqueue enrichment failed", zap.Int64("company_id", id), zap.Error(err))
			}
		}

		if r.found >= r.run.DesiredCount {
			r.log.Info("search: target reached, cancelling workers", zap.Int("found", r.found))
			r.cancelRound()
		}
	}

	total := r.ledger.Total()
	r.emit(EventCostUpdate, CostUpdateData{
		TotalCost:    total.Cost,
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
	})
}

func (r *runState) workerDone(round int, res workerResult) {
	st := r.status(res.name)
	r.o.deps.Recorder.WorkerFinished(res.name, res.err)

	if !workerFailed(res.err) {
		st.State = model.WorkerCompleted
		r.workerSucceeded = true
		if errors.Is(res.err, worker.ErrExhausted) && st.CompaniesFound == r.roundBase[res.name] {
			r.disabled[res.name] = true
			r.log.Info("search: source exhausted, skipping later rounds", zap.String("worker", res.name), zap.Int("round", round))
		}
		r.log.Info("search: worker completed", zap.String("worker", res.name), zap.Int("round", round), zap.Int("found", st.CompaniesFound))
		r.emit(EventWorkerCompleted, WorkerData{Worker: res.name, Round: round, Count: st.CompaniesFound})
		return
	}

	msg := res.err.Error()
	if errors.Is(res.err, worker.ErrNotConfigured) {
		r.disabled[res.name] = true
		msg = "source not configured"
	}
	st.State = model.WorkerFailed
	st.Error = msg
	r.workerErrors++
	r.errorMessages = append(r.errorMessages, res.name+": "+firstLine(msg))
	r.log.Warn("search: worker failed", zap.String("worker", res.name), zap.Int("round", round), zap.Error(res.err))
	r.emit(EventWorkerError, WorkerData{Worker: res.name, Round: round, Count: st.CompaniesFound, Error: msg})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
