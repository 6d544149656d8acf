package company

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-search/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresStore(mock), mock
}

var companyCols = []string{
	"id", "name", "domain", "website", "description", "industry", "location",
	"employee_hint", "revenue_hint", "funding_hint", "sources", "quality_score", "created_at", "updated_at",
}

func TestPostgresStore_InsertCompany(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO companies`).
		WithArgs("Acme", "acme.com", "https://acme.com", "", "", "", "", "", "", []string{"claude"}, 90).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	rec := &CompanyRecord{Name: "Acme", Domain: "acme.com", Website: "https://acme.com", Sources: []string{"claude"}, QualityScore: 90}
	inserted, err := s.InsertCompany(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(7), rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCompany_Conflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`ON CONFLICT DO NOTHING`).
		WithArgs("Acme", "acme.com", "", "", "", "", "", "", "", []string{}, 0).
		WillReturnError(pgx.ErrNoRows)

	rec := &CompanyRecord{Name: "Acme", Domain: "acme.com"}
	inserted, err := s.InsertCompany(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByDomain(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM companies WHERE domain = \$1`).
		WithArgs("acme.com").
		WillReturnRows(pgxmock.NewRows(companyCols).AddRow(
			int64(7), "Acme", "acme.com", "https://acme.com", "Widgets", "Manufacturing", "Austin, TX",
			"50-200", "", "", []string{"claude", "gemini"}, 90, now, now,
		))

	c, err := s.FindByDomain(context.Background(), "acme.com")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(7), c.ID)
	assert.Equal(t, []string{"claude", "gemini"}, c.Sources)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByName_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`lower\(name\) = lower\(\$1\)`).
		WithArgs("Joe's Tacos").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.FindByName(context.Background(), "Joe's Tacos")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSource(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`array_append\(sources, \$2\)`).
		WithArgs(int64(7), "perplexity").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.AddSource(context.Background(), 7, "perplexity"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkSearchResult(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`ON CONFLICT \(run_id, company_id\) DO NOTHING`).
		WithArgs("run-1", int64(7), "claude", 0.8).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.LinkSearchResult(context.Background(), SearchResultLink{RunID: "run-1", CompanyID: 7, Source: "claude", MatchScore: 0.8})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE search_runs SET .* WHERE id = \$1 AND status = 'processing'`).
		WithArgs("run-1", "completed", 5, 0.02, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE search_runs SET`).
		WithArgs("run-2", "failed", 0, 0.0, "no sources").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, s.CompleteRun(ctx, "run-1", RunOutcome{Status: model.RunStatusCompleted, ResultCount: 5, CostUSD: 0.02}))
	err := s.CompleteRun(ctx, "run-2", RunOutcome{Status: model.RunStatusFailed, Error: "no sources"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM search_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "query", "desired_count", "status", "result_count", "cost_usd", "error", "created_at", "completed_at",
		}).AddRow("run-1", "acct-1", "fintech", 5, "completed", 5, 0.02, "", now, &now))

	r, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.RunStatusCompleted, r.Status)
	assert.NotNil(t, r.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	after := now.Add(-24 * time.Hour)

	mock.ExpectQuery(`FROM search_runs`).
		WithArgs("acct-1", "failed", 10, 0, &after).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "query", "desired_count", "status", "result_count", "cost_usd", "error", "created_at", "completed_at",
		}).AddRow("run-9", "acct-1", "fintech", 5, "failed", 0, 0.01, "no sources", now, &now))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		AccountID: "acct-1", Status: model.RunStatusFailed, Limit: 10, CreatedAfter: after,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "no sources", runs[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
