package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/resilience"
)

// fakeSource returns pages produced by fn and records every request.
type fakeSource struct {
	name  string
	ready error
	fn    func(req FetchRequest) (FetchResult, error)

	mu    sync.Mutex
	reqs  []FetchRequest
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Ready() error { return f.ready }

func (f *fakeSource) Fetch(_ context.Context, req FetchRequest) (FetchResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(req)
}

// numbered yields n fresh companies per call, numbered across calls.
func numbered(prefix string, n int) func(FetchRequest) (FetchResult, error) {
	next := 0
	return func(req FetchRequest) (FetchResult, error) {
		out := make([]model.CandidateCompany, 0, n)
		for i := 0; i < n; i++ {
			next++
			out = append(out, model.CandidateCompany{
				Name:   fmt.Sprintf("%s %d", prefix, next),
				Domain: fmt.Sprintf("%s%d.com", prefix, next),
			})
		}
		return FetchResult{Candidates: out, Usage: model.TokenUsage{Calls: 1, Cost: 0.01}}, nil
	}
}

func fastRetry() *resilience.Policy {
	p := resilience.Policy{Attempts: 1, Retryable: func(error) bool { return false }}
	return &p
}

func collect(t *testing.T, w *Worker, ctx context.Context, req Request) ([]Batch, error) {
	t.Helper()
	out := make(chan Batch, 100)
	err := w.Search(ctx, req, out)
	close(out)
	var batches []Batch
	for b := range out {
		batches = append(batches, b)
	}
	return batches, err
}

func count(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Candidates)
	}
	return n
}

func TestSearch_StopsAtDesiredCount(t *testing.T) {
	src := &fakeSource{name: "fake", fn: numbered("acme", 4)}
	w := New(src, Options{BatchSize: 4, MaxCalls: 10, Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Variants: []string{"q"}, Desired: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, count(batches))
	assert.EqualValues(t, 3, src.calls.Load())
	// Last call asks only for the remainder.
	assert.Equal(t, 2, src.reqs[2].Want)
	for _, b := range batches {
		assert.Equal(t, "fake", b.Worker)
		for _, c := range b.Candidates {
			assert.Equal(t, "fake", c.Source)
			require.NotNil(t, c.Usage)
		}
	}
}

func TestSearch_CallCeiling(t *testing.T) {
	src := &fakeSource{name: "fake", fn: numbered("x", 1)}
	w := New(src, Options{BatchSize: 10, MaxCalls: 3, Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Desired: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, count(batches))
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestSearch_DedupesAndExcludes(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		return FetchResult{Candidates: []model.CandidateCompany{
			{Name: "Acme", Domain: "https://www.acme.com/about"},
			{Name: "ACME Inc", Domain: "acme.com"},
			{Name: "Globex"},
			{Name: "  "},
			{Name: "Initech", Website: "initech.io"},
		}}, nil
	}}
	w := New(src, Options{MaxCalls: 2, Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Desired: 10, Exclude: []string{"globex"}})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	names := []string{}
	for _, c := range batches[0].Candidates {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Acme", "Initech"}, names)
	assert.Equal(t, "acme.com", batches[0].Candidates[0].Domain)
	assert.Equal(t, "initech.io", batches[0].Candidates[1].Domain)

	// The second call is told about everything already found.
	require.Len(t, src.reqs, 2)
	assert.ElementsMatch(t, []string{"globex", "Acme", "Initech"}, src.reqs[1].Exclude)
}

type stubVerifier map[string]bool

func (v stubVerifier) VerifyBatch(_ context.Context, domains []string, _ int) map[string]bool {
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		out[d] = v[d]
	}
	return out
}

func TestSearch_VerifiesDomains(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		return FetchResult{Candidates: []model.CandidateCompany{
			{Name: "Live", Domain: "live.com"},
			{Name: "Dead", Domain: "dead.com"},
			{Name: "NoDomain"},
		}, Exhausted: true}, nil
	}}
	w := New(src, Options{VerifyDomains: true, Retry: fastRetry()}, nil, stubVerifier{"live.com": true})

	batches, err := collect(t, w, context.Background(), Request{Desired: 10})
	assert.ErrorIs(t, err, ErrExhausted)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Candidates, 2)
	assert.Equal(t, "Live", batches[0].Candidates[0].Name)
	assert.Equal(t, "NoDomain", batches[0].Candidates[1].Name)
}

func TestSearch_ParseFailureIsEmptyBatch(t *testing.T) {
	calls := 0
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		calls++
		if calls == 1 {
			return FetchResult{Usage: model.TokenUsage{Calls: 1, Cost: 0.02}}, nil
		}
		return FetchResult{Candidates: []model.CandidateCompany{{Name: "Acme", Domain: "acme.com"}}}, nil
	}}
	w := New(src, Options{MaxCalls: 2, Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Desired: 5})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Empty(t, batches[0].Candidates)
	assert.InDelta(t, 0.02, batches[0].Usage.Cost, 1e-9)
	assert.Len(t, batches[1].Candidates, 1)
}

func TestSearch_NotConfigured(t *testing.T) {
	src := &fakeSource{name: "fake", ready: ErrNotConfigured}
	w := New(src, Options{}, nil, nil)

	_, err := collect(t, w, context.Background(), Request{Desired: 5})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.Zero(t, src.calls.Load())
}

func TestSearch_ConsecutiveFailuresEndWorker(t *testing.T) {
	boom := errors.New("bad request")
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		return FetchResult{}, boom
	}}
	w := New(src, Options{MaxCalls: 10, Retry: fastRetry()}, nil, nil)

	_, err := collect(t, w, context.Background(), Request{Desired: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.EqualValues(t, maxConsecutiveFailures, src.calls.Load())
}

func TestSearch_SingleFailureIsTolerated(t *testing.T) {
	calls := 0
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		calls++
		if calls == 1 {
			return FetchResult{}, errors.New("flaky")
		}
		return FetchResult{Candidates: []model.CandidateCompany{{Name: "Acme"}}, Exhausted: true}, nil
	}}
	w := New(src, Options{MaxCalls: 5, Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Desired: 5})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, count(batches))
	assert.Equal(t, 2, calls)
}

func TestSearch_ExhaustedAfterDesiredIsNotReported(t *testing.T) {
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		return FetchResult{Candidates: []model.CandidateCompany{
			{Name: "Acme", Domain: "acme.com"},
			{Name: "Globex", Domain: "globex.com"},
		}, Exhausted: true}, nil
	}}
	w := New(src, Options{Retry: fastRetry()}, nil, nil)

	batches, err := collect(t, w, context.Background(), Request{Desired: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, count(batches))
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestSearch_CancellationStopsCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{name: "fake"}
	src.fn = func(req FetchRequest) (FetchResult, error) {
		if req.Call == 1 {
			cancel()
		}
		return numbered("c", 2)(req)
	}
	w := New(src, Options{MaxCalls: 10, Retry: fastRetry()}, nil, nil)

	out := make(chan Batch, 10)
	err := w.Search(ctx, Request{Desired: 100}, out)
	require.NoError(t, err)
	// The in-flight call completes but no further call is issued.
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestSearch_Timeout(t *testing.T) {
	src := &fakeSource{name: "fake", fn: numbered("t", 1)}
	w := New(src, Options{MaxCalls: 10, Timeout: 50 * time.Millisecond, Retry: fastRetry()}, nil, nil)

	// Nobody reads the channel, so the second send blocks until the deadline.
	out := make(chan Batch, 1)
	err := w.Search(context.Background(), Request{Desired: 100}, out)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Len(t, out, 1)
}

func TestSearch_OpenBreakerEndsWorker(t *testing.T) {
	b := resilience.NewBreaker("fake", resilience.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	src := &fakeSource{name: "fake", fn: func(FetchRequest) (FetchResult, error) {
		return FetchResult{}, errors.New("down")
	}}
	w := New(src, Options{MaxCalls: 10, Retry: fastRetry()}, b, nil)

	_, err := collect(t, w, context.Background(), Request{Desired: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestFetchRequest_VariantRotates(t *testing.T) {
	r := FetchRequest{Variants: []string{"a", "b"}}
	r.Call = 0
	assert.Equal(t, "a", r.Variant())
	r.Call = 3
	assert.Equal(t, "b", r.Variant())
	assert.Equal(t, "desc", FetchRequest{Profile: model.TargetProfile{Description: "desc"}}.Variant())
}
