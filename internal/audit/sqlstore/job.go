package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is one asynchronous task row, including the webhook configuration
// the dispatcher reloads before each delivery.
type Job struct {
	ID              string
	APIKeyID        string
	Kind            string
	Provider        string
	Model           *string
	Status          string // queued | running | succeeded | failed
	IdempotencyKey  *string
	PayloadRedacted map[string]any
	WebhookURL      *string
	WebhookSecret   *string
	WebhookHeaders  map[string]string
	ResultRedacted  map[string]any
	ErrorCode       *string
	ErrorText       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("sqlstore: not found")

// ErrConflict is returned by Create when the (api_key_id, idempotency_key)
// uniqueness constraint rejects a concurrent duplicate insert — the caller
// should fall back to the idempotent-lookup path.
var ErrConflict = errors.New("sqlstore: idempotency conflict")

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobSelect = `
SELECT id, api_key_id, kind, provider, model, status, idempotency_key,
	payload_redacted, webhook_url, webhook_secret, webhook_headers,
	result_redacted, error_code, error_text, created_at, updated_at
FROM jobs`

// Create persists a new Job in "queued" state. Returns ErrConflict if
// idempotency_key is set and a row for (api_key_id, idempotency_key)
// already exists; the caller retries as a lookup so both racers see the
// same job.
func (r *JobRepo) Create(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	j.ID = uuid.NewString()
	j.Status = "queued"
	j.CreatedAt, j.UpdatedAt = now, now

	payload, err := json.Marshal(j.PayloadRedacted)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal payload: %w", err)
	}
	var headers any
	if j.WebhookHeaders != nil {
		b, err := json.Marshal(j.WebhookHeaders)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal webhook headers: %w", err)
		}
		headers = string(b)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, api_key_id, kind, provider, model, status, idempotency_key,
			payload_redacted, webhook_url, webhook_secret, webhook_headers,
			result_redacted, error_code, error_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)`,
		j.ID, j.APIKeyID, j.Kind, j.Provider, j.Model, j.Status, nullString(j.IdempotencyKey),
		string(payload), nullString(j.WebhookURL), nullString(j.WebhookSecret), headers,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("sqlstore: create job: %w", err)
	}
	return nil
}

// FindByIdempotencyKey implements the O(1) idempotent-intake lookup.
func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, apiKeyID, idempotencyKey string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+" WHERE api_key_id = ? AND idempotency_key = ?", apiKeyID, idempotencyKey)
	return scanJob(row)
}

// Get returns a Job scoped by owning key; a row owned by another key is
// indistinguishable from a missing one.
func (r *JobRepo) Get(ctx context.Context, id, apiKeyID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+" WHERE id = ? AND api_key_id = ?", id, apiKeyID)
	return scanJob(row)
}

// GetForWorker returns a Job by id only, used internally by the worker and
// webhook loops which already trust the id they dequeued.
func (r *JobRepo) GetForWorker(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id)
	return scanJob(row)
}

// ClaimForAttempt locks the Job row inside a transaction, refuses to
// proceed if the status is already terminal (idempotent discard), and
// flips status to "running".
// The caller commits (via the returned func) as soon as the claim is made
// — holding a write transaction across the provider HTTP call would
// serialize all intake behind it — and the exactly-one-terminal-transition
// invariant is then carried by SetTerminal's "WHERE status = 'running'"
// guard instead of the lock itself.
//
// libsql/SQLite has no SELECT...FOR UPDATE; the write transaction plus the
// WAL busy_timeout gives the same effect: the first transaction to touch
// the row holds the write lock until it commits or rolls back.
func (r *JobRepo) ClaimForAttempt(ctx context.Context, jobID string) (job *Job, discard bool, commit func() error, rollback func(), err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, nil, func() {}, fmt.Errorf("sqlstore: begin claim: %w", err)
	}
	rollback = func() { _ = tx.Rollback() }

	row := tx.QueryRowContext(ctx, jobSelect+" WHERE id = ?", jobID)
	j, err := scanJob(row)
	if err != nil {
		rollback()
		return nil, false, nil, func() {}, err
	}

	if j.Status == "succeeded" || j.Status == "failed" {
		rollback()
		return j, true, nil, func() {}, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), jobID); err != nil {
		rollback()
		return nil, false, nil, func() {}, fmt.Errorf("sqlstore: claim update: %w", err)
	}
	j.Status = "running"
	j.UpdatedAt = now

	commit = func() error { return tx.Commit() }
	return j, false, commit, rollback, nil
}

// SetTerminal records the terminal status, error fields and redacted
// result summary. The "WHERE status = 'running'" guard makes it the only
// writer that can terminate a job, and it can do so at most once; a job
// already terminated (or never claimed) returns an error instead of being
// overwritten.
func (r *JobRepo) SetTerminal(ctx context.Context, jobID, status string, result map[string]any, errCode, errText *string) error {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal result: %w", err)
		}
		resultJSON = string(b)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_redacted = ?, error_code = ?, error_text = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		status, resultJSON, nullString(errCode), nullString(errText), time.Now().UTC().Format(time.RFC3339), jobID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: set terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: set terminal rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: set terminal: job %s not in running state", jobID)
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                                         Job
		model, idemKey, webhookURL, webhookSecret sql.NullString
		webhookHeaders, payload, result           sql.NullString
		errCode, errText                          sql.NullString
		createdAt, updatedAt                      string
	)
	err := row.Scan(&j.ID, &j.APIKeyID, &j.Kind, &j.Provider, &model, &j.Status, &idemKey,
		&payload, &webhookURL, &webhookSecret, &webhookHeaders,
		&result, &errCode, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan job: %w", err)
	}

	if model.Valid {
		j.Model = &model.String
	}
	if idemKey.Valid {
		j.IdempotencyKey = &idemKey.String
	}
	if webhookURL.Valid {
		j.WebhookURL = &webhookURL.String
	}
	if webhookSecret.Valid {
		j.WebhookSecret = &webhookSecret.String
	}
	if webhookHeaders.Valid {
		var h map[string]string
		if err := json.Unmarshal([]byte(webhookHeaders.String), &h); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal webhook headers: %w", err)
		}
		j.WebhookHeaders = h
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &j.PayloadRedacted); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal payload: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.ResultRedacted); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal result: %w", err)
		}
	}
	if errCode.Valid {
		j.ErrorCode = &errCode.String
	}
	if errText.Valid {
		j.ErrorText = &errText.String
	}
	j.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse created_at: %w", err)
	}
	j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse updated_at: %w", err)
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
