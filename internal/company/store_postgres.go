package company

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/db"
	"github.com/sells-group/company-search/internal/model"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS search_runs (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	query         TEXT NOT NULL,
	desired_count INTEGER NOT NULL,
	status        TEXT NOT NULL,
	result_count  INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_search_runs_account ON search_runs(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS companies (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	industry      TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	employee_hint TEXT NOT NULL DEFAULT '',
	revenue_hint  TEXT NOT NULL DEFAULT '',
	funding_hint  TEXT NOT NULL DEFAULT '',
	sources       TEXT[] NOT NULL DEFAULT '{}',
	quality_score INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_companies_domain ON companies(domain) WHERE domain <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_companies_name ON companies(lower(name)) WHERE domain = '';

CREATE TABLE IF NOT EXISTS search_results (
	run_id      TEXT NOT NULL REFERENCES search_runs(id) ON DELETE CASCADE,
	company_id  BIGINT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	match_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, company_id)
);
`

const companyColumns = `id, name, domain, website, description, industry, location,
	employee_hint, revenue_hint, funding_hint, sources, quality_score, created_at, updated_at`

const runColumns = `id, account_id, query, desired_count, status, result_count, cost_usd, error, created_at, completed_at`

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the run, company and link tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "company: migrate")
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateRun inserts a new run. CreatedAt is set from the database clock.
func (s *PostgresStore) CreateRun(ctx context.Context, run *model.SearchRun) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO search_runs (id, account_id, query, desired_count, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		run.ID, run.AccountID, run.Query, run.DesiredCount, string(run.Status),
	).Scan(&run.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "company: create run %s", run.ID)
	}
	return nil
}

// CompleteRun records the terminal state of a run.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, outcome RunOutcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE search_runs SET
			status = $2, result_count = $3, cost_usd = $4, error = $5, completed_at = now()
		WHERE id = $1 AND status = 'processing'`,
		runID, string(outcome.Status), outcome.ResultCount, outcome.CostUSD, outcome.Error,
	)
	if err != nil {
		return eris.Wrapf(err, "company: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company: complete run %s: not found or already finished", runID)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.SearchRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM search_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "company: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SearchRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var after *time.Time
	if !filter.CreatedAfter.IsZero() {
		after = &filter.CreatedAfter
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM search_runs
		WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR status = $2)
			AND ($5::timestamptz IS NULL OR created_at >= $5)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		filter.AccountID, string(filter.Status), limit, filter.Offset, after,
	)
	if err != nil {
		return nil, eris.Wrap(err, "company: list runs")
	}
	defer rows.Close()

	var runs []model.SearchRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "company: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetCompany fetches a company by ID.
func (s *PostgresStore) GetCompany(ctx context.Context, id int64) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
}

// GetCompanies fetches companies by ID, preserving the order of ids.
// Unknown IDs are skipped.
func (s *PostgresStore) GetCompanies(ctx context.Context, ids []int64) ([]CompanyRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "company: get companies")
	}
	defer rows.Close()

	found, err := scanCompanies(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

// FindByDomain fetches a company by its normalized domain.
func (s *PostgresStore) FindByDomain(ctx context.Context, domain string) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE domain = $1 AND domain <> ''`, domain)
}

// FindByName fetches a domainless company by case-insensitive name.
func (s *PostgresStore) FindByName(ctx context.Context, name string) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE domain = '' AND lower(name) = lower($1) LIMIT 1`, name)
}

func (s *PostgresStore) findOne(ctx context.Context, sql string, arg any) (*CompanyRecord, error) {
	c := &CompanyRecord{}
	err := s.pool.QueryRow(ctx, sql, arg).Scan(companyDests(c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "company: find %v", arg)
	}
	return c, nil
}

// InsertCompany inserts c unless its domain (or name, when domainless) is
// already taken.
func (s *PostgresStore) InsertCompany(ctx context.Context, c *CompanyRecord) (bool, error) {
	if c.Sources == nil {
		c.Sources = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO companies (
			name, domain, website, description, industry, location,
			employee_hint, revenue_hint, funding_hint, sources, quality_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at, updated_at`,
		c.Name, c.Domain, c.Website, c.Description, c.Industry, c.Location,
		c.EmployeeHint, c.RevenueHint, c.FundingHint, c.Sources, c.QualityScore,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "company: insert %s", c.Name)
	}
	return true, nil
}

// AddSource appends source to the company's sources when not present.
func (s *PostgresStore) AddSource(ctx context.Context, companyID int64, source string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE companies SET
			sources = CASE WHEN $2 = ANY(sources) THEN sources ELSE array_append(sources, $2) END,
			updated_at = now()
		WHERE id = $1`, companyID, source)
	if err != nil {
		return eris.Wrapf(err, "company: add source %d", companyID)
	}
	return nil
}

// LinkSearchResult records that a run surfaced a company. Repeat links are ignored.
func (s *PostgresStore) LinkSearchResult(ctx context.Context, link SearchResultLink) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_results (run_id, company_id, source, match_score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, company_id) DO NOTHING`,
		link.RunID, link.CompanyID, link.Source, link.MatchScore,
	)
	if err != nil {
		return eris.Wrapf(err, "company: link run %s company %d", link.RunID, link.CompanyID)
	}
	return nil
}

// ListRunResults returns the companies linked to a run in link order.
func (s *PostgresStore) ListRunResults(ctx context.Context, runID string) ([]RunResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.domain, c.website, c.description, c.industry, c.location,
			c.employee_hint, c.revenue_hint, c.funding_hint, c.sources, c.quality_score,
			c.created_at, c.updated_at, sr.source, sr.match_score
		FROM search_results sr
		JOIN companies c ON c.id = sr.company_id
		WHERE sr.run_id = $1
		ORDER BY sr.created_at, c.id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "company: list results %s", runID)
	}
	defer rows.Close()

	var results []RunResult
	for rows.Next() {
		var r RunResult
		dests := append(companyDests(&r.Company), &r.Source, &r.MatchScore)
		if err := rows.Scan(dests...); err != nil {
			return nil, eris.Wrap(err, "company: scan result")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func companyDests(c *CompanyRecord) []any {
	return []any{
		&c.ID, &c.Name, &c.Domain, &c.Website, &c.Description, &c.Industry, &c.Location,
		&c.EmployeeHint, &c.RevenueHint, &c.FundingHint, &c.Sources, &c.QualityScore,
		&c.CreatedAt, &c.UpdatedAt,
	}
}

func scanCompanies(rows pgx.Rows) ([]CompanyRecord, error) {
	var out []CompanyRecord
	for rows.Next() {
		var c CompanyRecord
		if err := rows.Scan(companyDests(&c)...); err != nil {
			return nil, eris.Wrap(err, "company: scan company")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*model.SearchRun, error) {
	var (
		r         model.SearchRun
		status    string
		completed *time.Time
	)
	if err := row.Scan(&r.ID, &r.AccountID, &r.Query, &r.DesiredCount, &status,
		&r.ResultCount, &r.CostUSD, &r.Error, &r.CreatedAt, &completed); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.CompletedAt = completed
	return &r, nil
}

func orderByIDs(found []CompanyRecord, ids []int64) []CompanyRecord {
	byID := make(map[int64]CompanyRecord, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]CompanyRecord, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
			delete(byID, id)
		}
	}
	return out
}
