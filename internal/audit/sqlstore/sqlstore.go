// Package sqlstore is the mutable side of the audit store: ApiKey and
// Job, the two tables that need row-level locking and transactional
// multi-statement commits.
package sqlstore

import (
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// Open establishes a libsql connection. dsn follows DATABASE_URL's
// conventions, typically "file:path/to.db" for a local file.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}

	maxConns := runtime.NumCPU()
	if maxConns < 4 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("sqlstore: %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return db, nil
}

// schema is applied idempotently on every startup — this gateway has no
// multi-step migration runner, only a single current schema.
const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	key_id              TEXT UNIQUE,
	key_hash            TEXT NOT NULL,
	is_active           INTEGER NOT NULL DEFAULT 1,
	rpm_limit           INTEGER,
	daily_budget_rub    TEXT,
	monthly_budget_rub  TEXT,
	created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	api_key_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	provider         TEXT NOT NULL,
	model            TEXT,
	status           TEXT NOT NULL,
	idempotency_key  TEXT,
	payload_redacted TEXT NOT NULL,
	webhook_url      TEXT,
	webhook_secret   TEXT,
	webhook_headers  TEXT,
	result_redacted  TEXT,
	error_code       TEXT,
	error_text       TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency
	ON jobs (api_key_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
`

// Migrate applies the current schema. Safe to call on every process start.
func Migrate(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullStringVal(s string) any {
	if s == "" {
		return nil
	}
	return s
}
