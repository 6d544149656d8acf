package company

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-search/internal/kv"
	"github.com/sells-group/company-search/internal/model"
)

func TestMerger_CreatesThenMatchesByDomain(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	m := NewMerger(st, nil)

	first, err := m.Merge(ctx, model.CandidateCompany{
		Name:        "Acme",
		Website:     "https://www.acme.com/about",
		Description: "Widgets",
		Source:      "claude",
		Confidence:  0.82,
	})
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, "acme.com", first.Company.Domain)
	assert.Equal(t, 82, first.Company.QualityScore)

	second, err := m.Merge(ctx, model.CandidateCompany{
		Name:        "Acme Incorporated",
		Domain:      "ACME.com",
		Description: "Different text",
		Source:      "perplexity",
		Confidence:  0.99,
	})
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.CompanyID, second.CompanyID)

	got, err := st.GetCompany(ctx, first.CompanyID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name, "first write wins")
	assert.Equal(t, "Widgets", got.Description)
	assert.Equal(t, 82, got.QualityScore)
	assert.Equal(t, []string{"claude", "perplexity"}, got.Sources)
}

func TestMerger_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	m := NewMerger(st, nil)

	cand := model.CandidateCompany{Name: "Acme", Domain: "acme.com", Source: "claude", Confidence: 0.5}
	a, err := m.Merge(ctx, cand)
	require.NoError(t, err)
	b, err := m.Merge(ctx, cand)
	require.NoError(t, err)

	assert.True(t, a.IsNew)
	assert.False(t, b.IsNew)
	assert.Equal(t, a.CompanyID, b.CompanyID)

	got, err := st.GetCompany(ctx, a.CompanyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude"}, got.Sources)
}

func TestMerger_NameFallbackWithoutDomain(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	m := NewMerger(st, nil)

	a, err := m.Merge(ctx, model.CandidateCompany{Name: "Joe's Tacos", Source: "places"})
	require.NoError(t, err)
	b, err := m.Merge(ctx, model.CandidateCompany{Name: "  joe's tacos ", Source: "jina"})
	require.NoError(t, err)
	assert.Equal(t, a.CompanyID, b.CompanyID)
	assert.False(t, b.IsNew)

	// A domain makes it a separate identity.
	c, err := m.Merge(ctx, model.CandidateCompany{Name: "Joe's Tacos", Domain: "joestacos.com", Source: "claude"})
	require.NoError(t, err)
	assert.True(t, c.IsNew)
	assert.NotEqual(t, a.CompanyID, c.CompanyID)
}

func TestMerger_RejectsNameless(t *testing.T) {
	m := NewMerger(newTestSQLiteStore(t), nil)
	_, err := m.Merge(context.Background(), model.CandidateCompany{Domain: "acme.com"})
	assert.Error(t, err)
}

func TestMerger_ConcurrentSameDomainCollapses(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	lockers := map[string]Locker{
		"local": NewLocalLocker(8),
		"kv":    kv.NewLocker(kv.NewMemoryStore(), "merge:", 0),
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			m := NewMerger(st, locker)
			domain := name + "-acme.com"

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				ids     = map[int64]struct{}{}
				created int
			)
			sources := []string{"claude", "perplexity", "gemini", "places", "jina", "claude"}
			for _, src := range sources {
				wg.Add(1)
				go func(src string) {
					defer wg.Done()
					res, err := m.Merge(ctx, model.CandidateCompany{Name: "Acme", Domain: domain, Source: src})
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					ids[res.CompanyID] = struct{}{}
					if res.IsNew {
						created++
					}
				}(src)
			}
			wg.Wait()

			assert.Len(t, ids, 1)
			assert.Equal(t, 1, created)

			got, err := st.FindByDomain(ctx, domain)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"claude", "perplexity", "gemini", "places", "jina"}, got.Sources)
		})
	}
}

func TestMerger_LinkIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	createTestRun(t, st, "run-1")
	m := NewMerger(st, nil)

	res, err := m.Merge(ctx, model.CandidateCompany{Name: "Acme", Domain: "acme.com", Source: "claude"})
	require.NoError(t, err)

	require.NoError(t, m.Link(ctx, "run-1", res.CompanyID, "claude", 0.8))
	require.NoError(t, m.Link(ctx, "run-1", res.CompanyID, "claude", 0.8))

	results, err := st.ListRunResults(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestLocalLocker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalLocker(1).Lock(ctx, "k")
	assert.Error(t, err)
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{-1, 0},
		{0.5, 50},
		{0.876, 88},
		{1, 100},
		{3, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QualityScore(tt.in), "confidence %v", tt.in)
	}
}
