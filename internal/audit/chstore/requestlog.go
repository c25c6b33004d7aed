package chstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestLogRow is one immutable audit record: one per terminated
// synchronous call, or per job attempt's provider call. ID doubles as the
// request_id surfaced to clients in response meta, so callers set it
// before the row is written; Insert fills it in when left empty.
type RequestLogRow struct {
	ID               string
	APIKeyID         string
	Kind             string // responses | chat.completions | models
	Provider         string
	Model            string
	Status           string // succeeded | failed
	ErrorCode        string
	ErrorText        string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	CostRub          *decimal.Decimal
	LatencyMs        int64
	RequestRedacted  map[string]any
	ResponseRedacted map[string]any
	CreatedAt        time.Time
}

type RequestLogRepo struct {
	conn driver.Conn
}

func NewRequestLogRepo(conn driver.Conn) *RequestLogRepo {
	return &RequestLogRepo{conn: conn}
}

// Insert appends one immutable RequestLog row.
func (r *RequestLogRepo) Insert(ctx context.Context, row RequestLogRow) error {
	reqJSON, err := json.Marshal(row.RequestRedacted)
	if err != nil {
		return fmt.Errorf("chstore: marshal request: %w", err)
	}
	respJSON, err := json.Marshal(row.ResponseRedacted)
	if err != nil {
		return fmt.Errorf("chstore: marshal response: %w", err)
	}

	var cost any
	if row.CostRub != nil {
		f, _ := row.CostRub.Float64()
		cost = f
	}

	id := row.ID
	if id == "" {
		id = uuid.NewString()
	}

	return r.conn.Exec(ctx, `
		INSERT INTO request_log (id, api_key_id, kind, provider, model, status, error_code, error_text,
			prompt_tokens, completion_tokens, total_tokens, cost_rub, latency_ms,
			request_redacted, response_redacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, row.APIKeyID, row.Kind, row.Provider, row.Model, row.Status, row.ErrorCode, row.ErrorText,
		optionalInt(row.PromptTokens), optionalInt(row.CompletionTokens), optionalInt(row.TotalTokens),
		cost, row.LatencyMs, string(reqJSON), string(respJSON), row.CreatedAt,
	)
}

// SumSucceededCost implements internal/budget.Ledger: the sum of cost_rub
// for succeeded rows belonging to apiKeyID created at or after since.
func (r *RequestLogRepo) SumSucceededCost(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT sum(cost_rub) FROM request_log
		WHERE api_key_id = ? AND status = 'succeeded' AND created_at >= ?`,
		apiKeyID, since)

	var sum *float64
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("chstore: sum cost: %w", err)
	}
	if sum == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(*sum), nil
}

func optionalInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
