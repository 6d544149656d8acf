package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-search/internal/cache"
	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/db"
	"github.com/sells-group/company-search/internal/interpret"
	"github.com/sells-group/company-search/internal/kv"
	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/worker"
)

type fakeInterpreter struct{}

func (fakeInterpreter) Interpret(_ context.Context, raw string) interpret.Interpretation {
	return interpret.Interpretation{
		Profile:  model.TargetProfile{Keywords: []string{raw}},
		Variants: []string{raw},
		Usage:    model.TokenUsage{Calls: 1, Cost: 0.001},
	}
}

// fakeWorker yields pages of perBatch unique companies until cancelled, its
// page budget runs out, or it has produced the requested count.
type fakeWorker struct {
	name     string
	perBatch int
	pages    int // 0 means unlimited
	err      error
	domains  func(page, i int) string

	// exhausted reports worker.ErrExhausted once pages run out.
	exhausted bool

	calls    atomic.Int32
	mu       sync.Mutex
	requests []worker.Request
}

func (f *fakeWorker) Name() string { return f.name }

func (f *fakeWorker) Search(ctx context.Context, req worker.Request, out chan<- worker.Batch) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for page := 0; f.pages == 0 || page < f.pages; page++ {
		if ctx.Err() != nil {
			return nil
		}
		n := int(f.calls.Add(1))
		b := worker.Batch{Worker: f.name, Usage: model.TokenUsage{Calls: 1, Cost: 0.01}}
		for i := 0; i < f.perBatch; i++ {
			domain := fmt.Sprintf("%s-%d-%d.com", f.name, n, i)
			if f.domains != nil {
				domain = f.domains(n, i)
			}
			b.Candidates = append(b.Candidates, model.CandidateCompany{
				Name:       "Company " + domain,
				Domain:     domain,
				Source:     f.name,
				Confidence: 0.8,
			})
		}
		select {
		case out <- b:
		case <-ctx.Done():
			return nil
		}
	}
	if f.exhausted {
		return worker.ErrExhausted
	}
	return nil
}

type harness struct {
	store   *company.SQLiteStore
	kv      *kv.MemoryStore
	results *cache.ResultCache
	orch    *Orchestrator
}

func newHarness(t *testing.T, workers []Searcher, opts Options, mods ...func(*Deps)) *harness {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	st := company.NewSQLiteStore(sqlDB)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	mem := kv.NewMemoryStore()
	h := &harness{store: st, kv: mem, results: cache.NewResultCache(mem, 0)}
	deps := Deps{
		Store:       st,
		Merger:      company.NewMerger(st, nil),
		Interpreter: fakeInterpreter{},
		Workers:     workers,
		Results:     h.results,
	}
	for _, m := range mods {
		m(&deps)
	}
	h.orch = New(deps, opts)
	return h
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("run did not finish")
			return out
		}
	}
}

func (h *harness) run(t *testing.T, query string, desired int) []Event {
	t.Helper()
	ch, err := h.orch.Stream(context.Background(), Request{AccountID: "acct-1", Query: query, DesiredCount: desired})
	require.NoError(t, err)
	return collectEvents(t, ch)
}

func ofType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newCompanies(events []Event) []NewCompanyData {
	var out []NewCompanyData
	for _, ev := range ofType(events, EventNewCompany) {
		out = append(out, ev.Data.(NewCompanyData))
	}
	return out
}

func completed(t *testing.T, events []Event) SearchCompletedData {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventSearchCompleted, last.Type, "last event: %+v", last)
	return last.Data.(SearchCompletedData)
}

func TestStream_ExampleReachesTargetInOneRound(t *testing.T) {
	a := &fakeWorker{name: "alpha", perBatch: 4}
	b := &fakeWorker{name: "beta", perBatch: 4}
	h := newHarness(t, []Searcher{a, b}, Options{FlushSize: 10})

	events := h.run(t, "AI startups in Berlin", 5)

	assert.Equal(t, EventSearchStarted, events[0].Type)
	news := newCompanies(events)
	require.Len(t, news, 5)
	ids := map[int64]bool{}
	for i, n := range news {
		assert.True(t, n.IsNew)
		assert.Equal(t, i+1, n.Found)
		ids[n.Company.ID] = true
	}
	assert.Len(t, ids, 5)

	n := len(events)
	assert.Equal(t, EventCostSummary, events[n-2].Type)
	done := completed(t, events)
	assert.Equal(t, 1, done.Rounds)
	assert.Zero(t, done.Shortfall)
	assert.Equal(t, model.RunStatusCompleted, done.Status)

	summary := events[n-2].Data.(CostSummaryData)
	assert.Equal(t, 5, summary.CompanyCount)
	assert.Greater(t, summary.TotalCost, 0.0)
	assert.InDelta(t, summary.TotalCost/5, summary.CostPerCompany, 1e-12)

	run, err := h.store.GetRun(context.Background(), done.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 5, run.ResultCount)

	links, err := h.store.ListRunResults(context.Background(), done.RunID)
	require.NoError(t, err)
	assert.Len(t, links, 5)
}

func TestStream_CancelsWorkersOnceTargetIsMet(t *testing.T) {
	var calls [2]atomic.Int32
	src := func(i int) *countingSource {
		return &countingSource{name: fmt.Sprintf("src%d", i), calls: &calls[i], per: 3}
	}
	// One call per second: a second call would only happen if the round
	// were not cancelled.
	opts := worker.Options{MaxCalls: 10, RatePerSec: 1}
	w0 := worker.New(src(0), opts, nil, nil)
	w1 := worker.New(src(1), opts, nil, nil)
	h := newHarness(t, []Searcher{w0, w1}, Options{FlushSize: 3})

	start := time.Now()
	events := h.run(t, "robotics companies", 5)

	assert.Len(t, newCompanies(events), 5)
	assert.EqualValues(t, 1, calls[0].Load())
	assert.EqualValues(t, 1, calls[1].Load())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, completed(t, events).Rounds)
}

type countingSource struct {
	name  string
	per   int
	calls *atomic.Int32
}

func (s *countingSource) Name() string { return s.name }
func (s *countingSource) Ready() error { return nil }

func (s *countingSource) Fetch(_ context.Context, req worker.FetchRequest) (worker.FetchResult, error) {
	n := s.calls.Add(1)
	var res worker.FetchResult
	for i := 0; i < s.per; i++ {
		d := fmt.Sprintf("%s-%d-%d.io", s.name, n, i)
		res.Candidates = append(res.Candidates, model.CandidateCompany{Name: d, Domain: d, Confidence: 0.6})
	}
	return res, nil
}

func TestStream_RoundsAreBounded(t *testing.T) {
	idle := &fakeWorker{name: "idle", pages: 1}
	h := newHarness(t, []Searcher{idle}, Options{MaxRounds: 5})

	events := h.run(t, "underwater basket weavers", 3)

	assert.Len(t, ofType(events, EventRoundStarted), 5)
	assert.Len(t, ofType(events, EventWorkerCompleted), 5)
	done := completed(t, events)
	assert.Equal(t, 5, done.Rounds)
	assert.Equal(t, 3, done.Shortfall)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Len(t, idle.requests, 5)
}

func TestStream_ShortRoundsRetryWithExclusions(t *testing.T) {
	// Two companies per round, four wanted.
	w := &fakeWorker{name: "alpha", perBatch: 2, pages: 1}
	h := newHarness(t, []Searcher{w}, Options{})

	events := h.run(t, "boutique hotels", 4)

	assert.Len(t, newCompanies(events), 4)
	done := completed(t, events)
	assert.Equal(t, 2, done.Rounds)
	require.Len(t, w.requests, 2)
	assert.Equal(t, 4, w.requests[0].Desired)
	assert.Empty(t, w.requests[0].Exclude)
	assert.Equal(t, 2, w.requests[1].Desired)
	assert.Len(t, w.requests[1].Exclude, 2)
}

func TestStream_ExhaustedSourceSkipsLaterRounds(t *testing.T) {
	dry := &fakeWorker{name: "dry", pages: 1, exhausted: true}
	alpha := &fakeWorker{name: "alpha", perBatch: 1, pages: 1}
	h := newHarness(t, []Searcher{dry, alpha}, Options{})

	events := h.run(t, "rare earth recyclers", 3)

	done := completed(t, events)
	assert.Equal(t, 3, done.Rounds)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Len(t, dry.requests, 1)
	assert.Len(t, alpha.requests, 3)
	assert.Empty(t, ofType(events, EventWorkerError))
}

func TestStream_ExhaustedSourceThatContributedStaysActive(t *testing.T) {
	w := &fakeWorker{name: "places", perBatch: 1, pages: 1, exhausted: true}
	h := newHarness(t, []Searcher{w}, Options{})

	events := h.run(t, "independent bookshops", 2)

	assert.Len(t, newCompanies(events), 2)
	assert.Equal(t, 2, completed(t, events).Rounds)
	assert.Len(t, w.requests, 2)
}

func TestStream_CacheReplayDoesNotCountTowardTarget(t *testing.T) {
	w := &fakeWorker{name: "alpha", perBatch: 3}
	h := newHarness(t, []Searcher{w}, Options{})

	first := h.run(t, "AI startups in Berlin", 3)
	firstIDs := []int64{}
	for _, n := range newCompanies(first) {
		firstIDs = append(firstIDs, n.Company.ID)
	}
	require.Len(t, firstIDs, 3)

	cached, ok, err := h.results.Get(context.Background(), "ai  STARTUPS in berlin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, firstIDs, cached)

	second := h.run(t, "  ai startups IN Berlin ", 3)
	news := newCompanies(second)
	require.Len(t, news, 6)
	for i, n := range news[:3] {
		assert.False(t, n.IsNew)
		assert.Equal(t, sourceCache, n.Source)
		assert.Equal(t, firstIDs[i], n.Company.ID)
		assert.Zero(t, n.Found)
	}
	for _, n := range news[3:] {
		assert.True(t, n.IsNew)
		assert.Equal(t, "alpha", n.Source)
	}
	done := completed(t, second)
	assert.Equal(t, 3, done.Found)
	assert.Equal(t, 3, done.Replayed)

	// The refreshed cache holds replayed and new companies in order.
	cached, _, err = h.results.Get(context.Background(), "ai startups in berlin")
	require.NoError(t, err)
	assert.Len(t, cached, 6)
	assert.Equal(t, firstIDs, cached[:3])
}

func TestStream_DuplicateAcrossWorkersMergesOnce(t *testing.T) {
	shared := func(_, i int) string { return fmt.Sprintf("shared-%d.com", i) }
	a := &fakeWorker{name: "alpha", perBatch: 2, pages: 1, domains: shared}
	b := &fakeWorker{name: "beta", perBatch: 2, pages: 1, domains: shared}
	h := newHarness(t, []Searcher{a, b}, Options{MaxRounds: 1})

	events := h.run(t, "payments", 10)

	news := newCompanies(events)
	require.Len(t, news, 2)

	rec, err := h.store.FindByDomain(context.Background(), "shared-0.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, rec.Sources)
}

func TestStream_WorkerErrorsAreIsolated(t *testing.T) {
	good := &fakeWorker{name: "good", perBatch: 2, pages: 1}
	unconfigured := &fakeWorker{name: "places", err: worker.ErrNotConfigured}
	flaky := &fakeWorker{name: "flaky", err: errors.New("upstream exploded")}
	h := newHarness(t, []Searcher{good, unconfigured, flaky}, Options{MaxRounds: 2})

	events := h.run(t, "bakeries in Paris", 4)

	assert.Len(t, newCompanies(events), 4)
	errs := ofType(events, EventWorkerError)
	// places fails once and is skipped afterwards; flaky fails every round.
	require.Len(t, errs, 3)
	assert.Len(t, unconfigured.requests, 1)
	assert.Len(t, flaky.requests, 2)

	done := completed(t, events)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	for _, st := range done.Workers {
		switch st.Name {
		case "good":
			assert.Equal(t, model.WorkerCompleted, st.State)
			assert.Equal(t, 4, st.CompaniesFound)
		case "places":
			assert.Equal(t, model.WorkerFailed, st.State)
			assert.Equal(t, "source not configured", st.Error)
		}
	}
}

func TestStream_AllWorkersFailing(t *testing.T) {
	h := newHarness(t, []Searcher{
		&fakeWorker{name: "a", err: worker.ErrNotConfigured},
		&fakeWorker{name: "b", err: worker.ErrNotConfigured},
	}, Options{})

	events := h.run(t, "anything", 5)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	data := last.Data.(ErrorData)
	assert.Contains(t, data.Message, "no source could contribute")
	assert.Len(t, ofType(events, EventRoundStarted), 1)

	run, err := h.store.GetRun(context.Background(), data.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestStream_Validation(t *testing.T) {
	h := newHarness(t, nil, Options{})

	_, err := h.orch.Stream(context.Background(), Request{AccountID: "a", Query: "   "})
	assert.True(t, errors.Is(err, ErrMissingQuery))
}

func TestStream_RateLimited(t *testing.T) {
	w := &fakeWorker{name: "alpha", perBatch: 1, pages: 1}
	h := newHarness(t, []Searcher{w}, Options{MaxRounds: 1}, func(d *Deps) {
		d.Limiter = cache.NewRateLimiter(kv.NewMemoryStore(), 1)
	})

	h.run(t, "first", 1)

	_, err := h.orch.Stream(context.Background(), Request{AccountID: "acct-1", Query: "second", DesiredCount: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.False(t, rl.Decision.Allowed)
	assert.Greater(t, rl.Decision.RetryAfter, time.Duration(0))

	// Other accounts are unaffected.
	ch, err := h.orch.Stream(context.Background(), Request{AccountID: "acct-2", Query: "second", DesiredCount: 1})
	require.NoError(t, err)
	collectEvents(t, ch)
}

func TestStream_CallerCancellationStillFinishesRun(t *testing.T) {
	w := &fakeWorker{name: "slow", perBatch: 1}
	h := newHarness(t, []Searcher{w}, Options{FlushSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := h.orch.Stream(ctx, Request{AccountID: "acct-1", Query: "long search", DesiredCount: 100})
	require.NoError(t, err)

	var runID string
	for ev := range ch {
		if ev.Type == EventSearchStarted {
			runID = ev.Data.(SearchStartedData).RunID
		}
		if ev.Type == EventNewCompany {
			cancel()
			break
		}
	}
	// Keep draining so the run can finish.
	collectEvents(t, ch)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, run.Status.IsTerminal())
	assert.NotNil(t, run.CompletedAt)
}

func TestOrchestrator_WaitForAbandonedRuns(t *testing.T) {
	w := &fakeWorker{name: "slow", perBatch: 1}
	h := newHarness(t, []Searcher{w}, Options{FlushSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.orch.Stream(ctx, Request{AccountID: "acct-1", Query: "abandoned", DesiredCount: 100})
	require.NoError(t, err)
	started := <-ch
	runID := started.Data.(SearchStartedData).RunID
	// The consumer walks away without draining the stream.
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.orch.Wait(waitCtx))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, run.Status.IsTerminal())
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (q *recordingQueue) Enqueue(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func TestStream_EnqueuesNewCompaniesForEnrichment(t *testing.T) {
	q := &recordingQueue{}
	w := &fakeWorker{name: "alpha", perBatch: 3, pages: 1}
	h := newHarness(t, []Searcher{w}, Options{MaxRounds: 1}, func(d *Deps) { d.Enrichment = q })

	events := h.run(t, "climate tech", 3)

	var ids []int64
	for _, n := range newCompanies(events) {
		ids = append(ids, n.Company.ID)
	}
	assert.Equal(t, ids, q.ids)
}

func TestCostLedger(t *testing.T) {
	l := NewCostLedger()
	l.Add("claude", model.TokenUsage{InputTokens: 10, Calls: 1, Cost: 0.5})
	l.Add("claude", model.TokenUsage{InputTokens: 5, Calls: 1, Cost: 0.25})
	l.Add("places", model.TokenUsage{Calls: 1, Cost: 0.25})

	assert.InDelta(t, 1.0, l.Total().Cost, 1e-12)
	assert.Equal(t, 3, l.Total().Calls)
	assert.Equal(t, 15, l.BySource()["claude"].InputTokens)
	assert.InDelta(t, 0.25, l.PerCompany(4), 1e-12)
	assert.Zero(t, l.PerCompany(0))
}
