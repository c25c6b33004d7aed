package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/art-dzd/ai-gateway/internal/auth"
)

// ApiKeyRepo implements auth.Store against the api_keys table.
type ApiKeyRepo struct {
	db *sql.DB
}

func NewApiKeyRepo(db *sql.DB) *ApiKeyRepo {
	return &ApiKeyRepo{db: db}
}

const apiKeySelect = `
SELECT id, key_id, key_hash, is_active, rpm_limit, daily_budget_rub, monthly_budget_rub
FROM api_keys`

func (r *ApiKeyRepo) FindActiveByKeyID(ctx context.Context, keyID string) (*auth.Record, error) {
	row := r.db.QueryRowContext(ctx, apiKeySelect+" WHERE key_id = ? AND is_active = 1", keyID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find by key_id: %w", err)
	}
	return rec, nil
}

func (r *ApiKeyRepo) ListActiveLegacy(ctx context.Context) ([]auth.Record, error) {
	rows, err := r.db.QueryContext(ctx, apiKeySelect+" WHERE key_id IS NULL AND is_active = 1")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list legacy keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []auth.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan legacy key: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*auth.Record, error) {
	return scanInto(row)
}

func scanRecordRows(rows *sql.Rows) (*auth.Record, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*auth.Record, error) {
	var (
		rec            auth.Record
		keyID          sql.NullString
		isActive       int
		rpmLimit       sql.NullInt64
		dailyBudgetRub sql.NullString
		monthlyRub     sql.NullString
	)
	if err := s.Scan(&rec.ID, &keyID, &rec.KeyHash, &isActive, &rpmLimit, &dailyBudgetRub, &monthlyRub); err != nil {
		return nil, err
	}
	if keyID.Valid {
		rec.KeyID = &keyID.String
	}
	rec.IsActive = isActive != 0
	if rpmLimit.Valid {
		v := int(rpmLimit.Int64)
		rec.RPMLimit = &v
	}
	if dailyBudgetRub.Valid {
		d, err := decimal.NewFromString(dailyBudgetRub.String)
		if err != nil {
			return nil, fmt.Errorf("daily_budget_rub: %w", err)
		}
		rec.DailyBudgetRub = &d
	}
	if monthlyRub.Valid {
		d, err := decimal.NewFromString(monthlyRub.String)
		if err != nil {
			return nil, fmt.Errorf("monthly_budget_rub: %w", err)
		}
		rec.MonthlyBudgetRub = &d
	}
	return &rec, nil
}

// Provision inserts a new ApiKey row — used only by the gwkeys
// provisioning CLI.
type Provision struct {
	Name             string
	KeyID            *string
	KeyHash          string
	RPMLimit         *int
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
}

func (r *ApiKeyRepo) Provision(ctx context.Context, p Provision) (string, error) {
	id := uuid.NewString()
	var daily, monthly any
	if p.DailyBudgetRub != nil {
		daily = p.DailyBudgetRub.String()
	}
	if p.MonthlyBudgetRub != nil {
		monthly = p.MonthlyBudgetRub.String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_id, key_hash, is_active, rpm_limit, daily_budget_rub, monthly_budget_rub, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		id, p.Name, nullString(p.KeyID), p.KeyHash, nullIntPtr(p.RPMLimit), daily, monthly,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("sqlstore: provision key: %w", err)
	}
	return id, nil
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
