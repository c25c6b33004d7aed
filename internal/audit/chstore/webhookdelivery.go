package chstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// WebhookDeliveryRow is a per-delivery record under a Job, with a dense
// ordinal and a nullable HTTP status (null on transport failure).
type WebhookDeliveryRow struct {
	JobID      string
	Ordinal    int
	TargetURL  string
	HTTPStatus *int
	ErrorText  string
	LatencyMs  int64
	CreatedAt  time.Time
}

type WebhookDeliveryRepo struct {
	conn driver.Conn
}

func NewWebhookDeliveryRepo(conn driver.Conn) *WebhookDeliveryRepo {
	return &WebhookDeliveryRepo{conn: conn}
}

func (r *WebhookDeliveryRepo) Insert(ctx context.Context, row WebhookDeliveryRow) error {
	return r.conn.Exec(ctx, `
		INSERT INTO webhook_delivery (id, job_id, ordinal, target_url, http_status, error_text, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), row.JobID, row.Ordinal, row.TargetURL, optionalInt32(row.HTTPStatus),
		row.ErrorText, row.LatencyMs, row.CreatedAt,
	)
}

// NextOrdinal returns max(existing delivery ordinals)+1.
func (r *WebhookDeliveryRepo) NextOrdinal(ctx context.Context, jobID string) (int, error) {
	row := r.conn.QueryRow(ctx, `SELECT max(ordinal) FROM webhook_delivery WHERE job_id = ?`, jobID)
	var maxOrdinal *int32
	if err := row.Scan(&maxOrdinal); err != nil {
		return 0, fmt.Errorf("chstore: next ordinal: %w", err)
	}
	if maxOrdinal == nil {
		return 1, nil
	}
	return int(*maxOrdinal) + 1, nil
}

func optionalInt32(v *int) any {
	if v == nil {
		return nil
	}
	return int32(*v)
}
