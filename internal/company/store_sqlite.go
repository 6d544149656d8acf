package company

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/model"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS search_runs (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	query         TEXT NOT NULL,
	desired_count INTEGER NOT NULL,
	status        TEXT NOT NULL,
	result_count  INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	completed_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_search_runs_account ON search_runs(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS companies (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	industry      TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	employee_hint TEXT NOT NULL DEFAULT '',
	revenue_hint  TEXT NOT NULL DEFAULT '',
	funding_hint  TEXT NOT NULL DEFAULT '',
	sources       TEXT NOT NULL DEFAULT '[]',
	quality_score INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_companies_domain ON companies(domain) WHERE domain <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_companies_name ON companies(lower(name)) WHERE domain = '';

CREATE TABLE IF NOT EXISTS search_results (
	run_id      TEXT NOT NULL REFERENCES search_runs(id) ON DELETE CASCADE,
	company_id  INTEGER NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	match_score REAL NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	PRIMARY KEY (run_id, company_id)
);
`

// SQLiteStore implements Store on a local SQLite database. Timestamps are
// stored as unix milliseconds and sources as a JSON array.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLiteStore wraps an open SQLite database (see db.OpenSQLite).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, nowFunc: time.Now}
}

func (s *SQLiteStore) now() int64 { return s.nowFunc().UnixMilli() }

// Migrate creates the run, company and link tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "company: sqlite migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.SearchRun) error {
	now := s.nowFunc()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_runs (id, account_id, query, desired_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.Query, run.DesiredCount, string(run.Status), now.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "company: create run %s", run.ID)
	}
	run.CreatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, outcome RunOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_runs SET status = ?, result_count = ?, cost_usd = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(outcome.Status), outcome.ResultCount, outcome.CostUSD, outcome.Error, s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "company: complete run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("company: complete run %s: not found or already finished", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.SearchRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM search_runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "company: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SearchRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var after int64
	if !filter.CreatedAfter.IsZero() {
		after = filter.CreatedAfter.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM search_runs
		WHERE (? = '' OR account_id = ?) AND (? = '' OR status = ?) AND created_at >= ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		filter.AccountID, filter.AccountID, string(filter.Status), string(filter.Status),
		after, limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "company: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.SearchRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "company: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id int64) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = ?`, id)
}

func (s *SQLiteStore) GetCompanies(ctx context.Context, ids []int64) ([]CompanyRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "company: get companies")
	}
	defer rows.Close() //nolint:errcheck

	var found []CompanyRecord
	for rows.Next() {
		c, err := scanSQLiteCompany(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "company: get companies")
	}
	return orderByIDs(found, ids), nil
}

func (s *SQLiteStore) FindByDomain(ctx context.Context, domain string) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE domain = ? AND domain <> ''`, domain)
}

func (s *SQLiteStore) FindByName(ctx context.Context, name string) (*CompanyRecord, error) {
	return s.findOne(ctx, `SELECT `+companyColumns+` FROM companies WHERE domain = '' AND lower(name) = lower(?) LIMIT 1`, name)
}

func (s *SQLiteStore) findOne(ctx context.Context, query string, arg any) (*CompanyRecord, error) {
	c, err := scanSQLiteCompany(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "company: find %v", arg)
	}
	return c, nil
}

func (s *SQLiteStore) InsertCompany(ctx context.Context, c *CompanyRecord) (bool, error) {
	sources := c.Sources
	if sources == nil {
		sources = []string{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return false, eris.Wrap(err, "company: marshal sources")
	}
	now := s.now()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO companies (
			name, domain, website, description, industry, location,
			employee_hint, revenue_hint, funding_hint, sources, quality_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		c.Name, c.Domain, c.Website, c.Description, c.Industry, c.Location,
		c.EmployeeHint, c.RevenueHint, c.FundingHint, string(raw), c.QualityScore, now, now,
	).Scan(&c.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "company: insert %s", c.Name)
	}
	c.Sources = sources
	c.CreatedAt = time.UnixMilli(now)
	c.UpdatedAt = c.CreatedAt
	return true, nil
}

func (s *SQLiteStore) AddSource(ctx context.Context, companyID int64, source string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE companies SET
			sources = CASE
				WHEN EXISTS (SELECT 1 FROM json_each(companies.sources) WHERE value = ?) THEN sources
				ELSE json_insert(sources, '$[#]', ?)
			END,
			updated_at = ?
		WHERE id = ?`,
		source, source, s.now(), companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "company: add source %d", companyID)
	}
	return nil
}

func (s *SQLiteStore) LinkSearchResult(ctx context.Context, link SearchResultLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_results (run_id, company_id, source, match_score, created_at, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM search_results WHERE run_id = ?))
		ON CONFLICT (run_id, company_id) DO NOTHING`,
		link.RunID, link.CompanyID, link.Source, link.MatchScore, s.now(), link.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "company: link run %s company %d", link.RunID, link.CompanyID)
	}
	return nil
}

func (s *SQLiteStore) ListRunResults(ctx context.Context, runID string) ([]RunResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.domain, c.website, c.description, c.industry, c.location,
			c.employee_hint, c.revenue_hint, c.funding_hint, c.sources, c.quality_score,
			c.created_at, c.updated_at, sr.source, sr.match_score
		FROM search_results sr
		JOIN companies c ON c.id = sr.company_id
		WHERE sr.run_id = ?
		ORDER BY sr.seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "company: list results %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var results []RunResult
	for rows.Next() {
		var (
			r       RunResult
			sources string
			created int64
			updated int64
		)
		c := &r.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Website, &c.Description, &c.Industry,
			&c.Location, &c.EmployeeHint, &c.RevenueHint, &c.FundingHint, &sources,
			&c.QualityScore, &created, &updated, &r.Source, &r.MatchScore); err != nil {
			return nil, eris.Wrap(err, "company: scan result")
		}
		if err := finishSQLiteCompany(c, sources, created, updated); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCompany(row rowScanner) (*CompanyRecord, error) {
	var (
		c       CompanyRecord
		sources string
		created int64
		updated int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.Website, &c.Description, &c.Industry,
		&c.Location, &c.EmployeeHint, &c.RevenueHint, &c.FundingHint, &sources,
		&c.QualityScore, &created, &updated); err != nil {
		return nil, err
	}
	if err := finishSQLiteCompany(&c, sources, created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func finishSQLiteCompany(c *CompanyRecord, sources string, created, updated int64) error {
	if err := json.Unmarshal([]byte(sources), &c.Sources); err != nil {
		return eris.Wrapf(err, "company: decode sources for %d", c.ID)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return nil
}

func scanSQLiteRun(row rowScanner) (*model.SearchRun, error) {
	var (
		r         model.SearchRun
		status    string
		created   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.AccountID, &r.Query, &r.DesiredCount, &status,
		&r.ResultCount, &r.CostUSD, &r.Error, &created, &completed); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.CreatedAt = time.UnixMilli(created)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}
