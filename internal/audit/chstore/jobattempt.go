package chstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// JobAttemptRow is a per-try record under a Job, with a 1-based dense
// attempt ordinal.
type JobAttemptRow struct {
	JobID     string
	Ordinal   int
	Status    string
	ErrorText string
	LatencyMs int64
	CreatedAt time.Time
}

type JobAttemptRepo struct {
	conn driver.Conn
}

func NewJobAttemptRepo(conn driver.Conn) *JobAttemptRepo {
	return &JobAttemptRepo{conn: conn}
}

func (r *JobAttemptRepo) Insert(ctx context.Context, row JobAttemptRow) error {
	return r.conn.Exec(ctx, `
		INSERT INTO job_attempt (id, job_id, ordinal, status, error_text, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), row.JobID, row.Ordinal, row.Status, row.ErrorText, row.LatencyMs, row.CreatedAt,
	)
}

// NextOrdinal returns max(existing attempts)+1 — dense and 1-based.
// Called only by the job worker after it has claimed the Job, so no two
// callers can race for the same ordinal.
func (r *JobAttemptRepo) NextOrdinal(ctx context.Context, jobID string) (int, error) {
	row := r.conn.QueryRow(ctx, `SELECT max(ordinal) FROM job_attempt WHERE job_id = ?`, jobID)
	var maxOrdinal *int32
	if err := row.Scan(&maxOrdinal); err != nil {
		return 0, fmt.Errorf("chstore: next ordinal: %w", err)
	}
	if maxOrdinal == nil {
		return 1, nil
	}
	return int(*maxOrdinal) + 1, nil
}
