// Package worker runs progressive company searches against one external
// source at a time. A Worker drives a Source through repeated bounded calls
// and delivers the candidates it finds as batches on a channel.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/resilience"
)

var (
	// ErrNotConfigured means the source has no credentials. Fatal to the
	// worker only.
	ErrNotConfigured = eris.New("worker: source not configured")
	// ErrTimeout means the worker hit its wall-clock ceiling.
	ErrTimeout = eris.New("worker: timed out")
	// ErrExhausted means the source ran out of results before the worker
	// produced the requested count. Not a failure.
	ErrExhausted = eris.New("worker: source exhausted")
)

// maxConsecutiveFailures ends a worker after this many failed calls in a row.
const maxConsecutiveFailures = 2

// Source is one external information source. Fetch performs exactly one
// upstream call.
type Source interface {
	Name() string
	// Ready returns ErrNotConfigured when the source cannot be called.
	Ready() error
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// FetchRequest describes one upstream call.
type FetchRequest struct {
	Variants []string
	Profile  model.TargetProfile
	// Call is the zero-based index of this call within the current search.
	Call int
	// Want is the number of candidates asked for in this call.
	Want int
	// Exclude lists company names the source should avoid repeating.
	Exclude []string
	// Cursor is the value returned by the previous call's FetchResult.
	Cursor string
}

// Variant returns the query variant this call should use, rotating through
// the list as calls progress.
func (r FetchRequest) Variant() string {
	if len(r.Variants) == 0 {
		return r.Profile.Description
	}
	return r.Variants[r.Call%len(r.Variants)]
}

// FetchResult is the output of one upstream call.
type FetchResult struct {
	Candidates []model.CandidateCompany
	Usage      model.TokenUsage
	// Cursor is passed back on the next call for paginated sources.
	Cursor string
	// Exhausted means the source has nothing more for this search.
	Exhausted bool
}

// Request is one search invocation.
type Request struct {
	Variants []string
	Profile  model.TargetProfile
	// Desired is the number of candidates this worker should try to produce.
	Desired int
	// Exclude lists names already found by the run.
	Exclude []string
}

// Batch is a group of candidates yielded by one call.
type Batch struct {
	Worker     string
	Candidates []model.CandidateCompany
	Usage      model.TokenUsage
}

// DomainVerifier confirms candidate domains resolve to live sites.
type DomainVerifier interface {
	VerifyBatch(ctx context.Context, domains []string, concurrency int) map[string]bool
}

// Options tunes a Worker.
type Options struct {
	// BatchSize is the number of candidates requested per call. Default: 10.
	BatchSize int
	// MaxCalls caps upstream calls per search. Default: 6.
	MaxCalls int
	// RatePerSec paces upstream calls. Zero disables pacing.
	RatePerSec float64
	// VerifyDomains drops candidates whose domain fails verification.
	VerifyDomains bool
	// VerifyConcurrency is the window size for batch verification. Default: 10.
	VerifyConcurrency int
	// Timeout is the wall-clock ceiling per search. Default: 150s.
	Timeout time.Duration
	// ExcludeLimit caps the names passed to the source as exclusions. Default: 50.
	ExcludeLimit int
	// Retry is the per-call retry policy. Default: resilience.DefaultPolicy.
	Retry *resilience.Policy
}

func (o Options) withDefaults(name string) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxCalls <= 0 {
		o.MaxCalls = 6
	}
	if o.VerifyConcurrency <= 0 {
		o.VerifyConcurrency = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 150 * time.Second
	}
	if o.ExcludeLimit <= 0 {
		o.ExcludeLimit = 50
	}
	if o.Retry == nil {
		p := resilience.DefaultPolicy(name)
		p.Retryable = func(err error) bool {
			return !errors.Is(err, ErrNotConfigured) && resilience.IsTransient(err)
		}
		o.Retry = &p
	}
	return o
}

// Worker drives one Source progressively.
type Worker struct {
	source   Source
	opts     Options
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	verifier DomainVerifier
}

// New creates a Worker. breaker and verifier may be nil.
func New(source Source, opts Options, breaker *resilience.Breaker, verifier DomainVerifier) *Worker {
	opts = opts.withDefaults(source.Name())
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(source.Name(), resilience.BreakerConfig{})
	}
	return &Worker{
		source:   source,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		verifier: verifier,
	}
}

// Name returns the source name.
func (w *Worker) Name() string { return w.source.Name() }

// Options returns the effective options.
func (w *Worker) Options() Options { return w.opts }

// Search issues sequential calls to the source and sends each non-empty
// batch on out. It returns nil when it stops because enough candidates were
// produced, the call ceiling was reached, the source is exhausted, or ctx was
// cancelled by the caller. It returns ErrExhausted when the source ran dry
// short of the request, ErrTimeout when the wall-clock ceiling expires, and
// ErrNotConfigured when the source has no credentials. Batches
// already sent stay valid in every case.
func (w *Worker) Search(ctx context.Context, req Request, out chan<- Batch) error {
	name := w.source.Name()
	log := zap.L().With(zap.String("worker", name))

	if err := w.source.Ready(); err != nil {
		return err
	}
	if req.Desired <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeoutCause(ctx, w.opts.Timeout, ErrTimeout)
	defer cancel()

	seen := make(map[string]bool)
	exclude := make([]string, 0, len(req.Exclude))
	for _, n := range req.Exclude {
		if k := nameKey(n); k != "" && !seen["name:"+k] {
			seen["name:"+k] = true
			exclude = append(exclude, n)
		}
	}

	var (
		emitted  int
		failures int
		cursor   string
	)
	for call := 0; call < w.opts.MaxCalls && emitted < req.Desired; call++ {
		if ctx.Err() != nil {
			return stopErr(ctx)
		}
		if err := w.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The wait would outlast the deadline.
				return ErrTimeout
			}
			return stopErr(ctx)
		}

		fr := FetchRequest{
			Variants: req.Variants,
			Profile:  req.Profile,
			Call:     call,
			Want:     min(w.opts.BatchSize, req.Desired-emitted),
			Exclude:  tail(exclude, w.opts.ExcludeLimit),
			Cursor:   cursor,
		}
		res, err := resilience.Call(ctx, w.breaker, func(ctx context.Context) (FetchResult, error) {
			return resilience.Retry(ctx, *w.opts.Retry, func(ctx context.Context) (FetchResult, error) {
				return w.source.Fetch(ctx, fr)
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return stopErr(ctx)
			}
			if errors.Is(err, ErrNotConfigured) {
				return err
			}
			failures++
			log.Warn("worker: call failed", zap.Int("call", call), zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxConsecutiveFailures {
				return eris.Wrapf(err, "worker: %s failed %d calls in a row", name, failures)
			}
			continue
		}
		failures = 0

		fresh := w.filter(ctx, res.Candidates, seen, req.Desired-emitted)
		for _, c := range fresh {
			exclude = append(exclude, c.Name)
		}
		if len(fresh) > 0 {
			share := res.Usage.Share(len(fresh))
			for i := range fresh {
				fresh[i].Source = name
				u := share
				fresh[i].Usage = &u
			}
		}

		log.Debug("worker: call complete",
			zap.Int("call", call),
			zap.Int("returned", len(res.Candidates)),
			zap.Int("fresh", len(fresh)),
		)

		if len(fresh) > 0 || res.Usage.Calls > 0 || res.Usage.Cost > 0 {
			select {
			case out <- Batch{Worker: name, Candidates: fresh, Usage: res.Usage}:
			case <-ctx.Done():
				return stopErr(ctx)
			}
		}
		emitted += len(fresh)
		cursor = res.Cursor
		if res.Exhausted {
			if emitted < req.Desired {
				return ErrExhausted
			}
			break
		}
	}
	return nil
}

// filter drops candidates without a name, duplicates within this search,
// excluded names and (optionally) unverified domains, keeping at most limit.
// Kept and rejected-domain candidates are recorded in seen.
func (w *Worker) filter(ctx context.Context, cands []model.CandidateCompany, seen map[string]bool, limit int) []model.CandidateCompany {
	out := make([]model.CandidateCompany, 0, len(cands))
	local := make(map[string]bool, len(cands))
	for _, c := range cands {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if c.Domain == "" {
			c.Domain = model.NormalizeDomain(c.Website)
		} else {
			c.Domain = model.NormalizeDomain(c.Domain)
		}
		key, nk := c.Key(), "name:"+nameKey(c.Name)
		if seen[key] || seen[nk] || local[key] || local[nk] {
			continue
		}
		local[key] = true
		local[nk] = true
		out = append(out, c)
	}

	if w.opts.VerifyDomains && w.verifier != nil {
		var domains []string
		for _, c := range out {
			if c.Domain != "" {
				domains = append(domains, c.Domain)
			}
		}
		if len(domains) > 0 {
			valid := w.verifier.VerifyBatch(ctx, domains, w.opts.VerifyConcurrency)
			kept := out[:0]
			for _, c := range out {
				if c.Domain == "" || valid[c.Domain] {
					kept = append(kept, c)
					continue
				}
				seen["domain:"+c.Domain] = true
			}
			out = kept
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	for _, c := range out {
		seen[c.Key()] = true
		seen["name:"+nameKey(c.Name)] = true
	}
	return out
}

// stopErr maps a done context to the worker's stop result: ErrTimeout for
// the wall-clock ceiling, nil for caller cancellation.
func stopErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	return nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
