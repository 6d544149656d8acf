package kv

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at);
`

// SQLiteStore implements Store on a SQLite table. Expiry is stored as unix
// milliseconds; NULL means no expiry.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLiteStore wraps an open SQLite database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, nowFunc: time.Now}
}

// Migrate creates the kv table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "kv: sqlite migrate")
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.nowFunc().UnixMilli()
}

func (s *SQLiteStore) expiresMillis(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.nowFunc().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "kv: get %s", key)
	}
	return []byte(value), true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), s.expiresMillis(ttl),
	)
	return eris.Wrapf(err, "kv: set %s", key)
}

func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ?`,
		key, string(value), s.expiresMillis(ttl), s.nowMillis(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "kv: setnx %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "kv: setnx rows affected %s", key)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.nowMillis()
	var raw string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, '1', ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ? THEN '1'
				ELSE CAST(CAST(kv_entries.value AS INTEGER) + 1 AS TEXT)
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ? THEN excluded.expires_at
				ELSE kv_entries.expires_at
			END
		RETURNING value`,
		key, s.expiresMillis(ttl), now, now,
	).Scan(&raw)
	if err != nil {
		return 0, eris.Wrapf(err, "kv: incr %s", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "kv: incr non-integer value at %s", key)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return eris.Wrapf(err, "kv: delete %s", key)
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, eris.Wrap(err, "kv: purge expired")
	}
	return res.RowsAffected()
}
