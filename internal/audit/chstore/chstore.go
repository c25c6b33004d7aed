// Package chstore is the append-only side of the audit store: RequestLog,
// JobAttempt, WebhookDelivery. None of these rows are ever updated after
// insert, which is exactly the write shape ClickHouse is built for; the
// budget enforcer's "sum cost since period start" query
// (internal/budget.Ledger) is a single ClickHouse aggregation over
// RequestLog.
package chstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Open dials ClickHouse and verifies connectivity.
func Open(ctx context.Context, opts Options) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("chstore: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("chstore: ping: %w", err)
	}
	return conn, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id                TEXT,
	api_key_id        TEXT,
	kind              TEXT,
	provider          TEXT,
	model             TEXT,
	status            TEXT,
	error_code        TEXT,
	error_text        TEXT,
	prompt_tokens     Nullable(Int64),
	completion_tokens Nullable(Int64),
	total_tokens      Nullable(Int64),
	cost_rub          Nullable(Decimal(18, 4)),
	latency_ms        Int64,
	request_redacted  String,
	response_redacted String,
	created_at        DateTime64(3)
) ENGINE = MergeTree ORDER BY (api_key_id, created_at);

CREATE TABLE IF NOT EXISTS job_attempt (
	id         TEXT,
	job_id     TEXT,
	ordinal    Int32,
	status     TEXT,
	error_text String,
	latency_ms Int64,
	created_at DateTime64(3)
) ENGINE = MergeTree ORDER BY (job_id, ordinal);

CREATE TABLE IF NOT EXISTS webhook_delivery (
	id          TEXT,
	job_id      TEXT,
	ordinal     Int32,
	target_url  TEXT,
	http_status Nullable(Int32),
	error_text  TEXT,
	latency_ms  Int64,
	created_at  DateTime64(3)
) ENGINE = MergeTree ORDER BY (job_id, created_at);
`

// Migrate applies the current schema. Safe to call on every process start.
func Migrate(ctx context.Context, conn driver.Conn) error {
	for _, stmt := range splitStatements(schema) {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("chstore: migrate: %w", err)
		}
	}
	return nil
}

func splitStatements(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
