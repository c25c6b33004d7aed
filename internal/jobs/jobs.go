// Package jobs is the asynchronous job engine: idempotent intake onto a
// durable queue, a worker loop with at-most-once terminal transition, and
// per-attempt audit records.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/queue"
	"github.com/art-dzd/ai-gateway/internal/redact"
)

// KindResponses and KindChatCompletions are the two job kinds a client may
// submit; the worker dispatches to the matching provider operation.
const (
	KindResponses       = "responses"
	KindChatCompletions = "chat.completions"
)

// WebhookConfig is the optional callback a client attaches at intake.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CreateParams is the validated intake request. Provider must already be
// resolved (body → header override → default) by the HTTP layer.
type CreateParams struct {
	Kind           string
	Provider       string
	Model          string
	Payload        map[string]any
	Webhook        *WebhookConfig
	IdempotencyKey string
}

// Created is what intake hands back: {job_id, status}.
type Created struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// envelope is the message carried on the job queue. The raw payload
// travels only here; the Job row holds the redacted copy, so user text
// never reaches durable storage.
type envelope struct {
	JobID   string         `json:"job_id"`
	Payload map[string]any `json:"payload"`
	Retries int            `json:"retries"`
}

// Engine owns job intake and reads. The worker loop lives in Worker.
type Engine struct {
	log  *slog.Logger
	repo *sqlstore.JobRepo
	q    *queue.Queue
}

func NewEngine(log *slog.Logger, repo *sqlstore.JobRepo, q *queue.Queue) *Engine {
	return &Engine{log: log, repo: repo, q: q}
}

// Create is job intake. The caller has already run rate limiting and
// budget enforcement; Create handles idempotency, redacted persistence,
// and enqueueing.
func (e *Engine) Create(ctx context.Context, apiKeyID string, p CreateParams) (*Created, error) {
	if p.Kind != KindResponses && p.Kind != KindChatCompletions {
		return nil, apierrs.New(http.StatusBadRequest, apierrs.CodeInvalidRequestFormat,
			"kind must be \"responses\" or \"chat.completions\"", apierrs.TypeInvalidRequest)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	if p.IdempotencyKey != "" {
		existing, err := e.repo.FindByIdempotencyKey(ctx, apiKeyID, p.IdempotencyKey)
		if err != nil && !errors.Is(err, sqlstore.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return &Created{JobID: existing.ID, Status: existing.Status}, nil
		}
	}

	job := &sqlstore.Job{
		APIKeyID:        apiKeyID,
		Kind:            p.Kind,
		Provider:        p.Provider,
		PayloadRedacted: RedactPayload(p.Kind, p.Payload),
	}
	if p.Model != "" {
		job.Model = &p.Model
	}
	if p.IdempotencyKey != "" {
		job.IdempotencyKey = &p.IdempotencyKey
	}
	if p.Webhook != nil {
		job.WebhookURL = &p.Webhook.URL
		if p.Webhook.Secret != "" {
			job.WebhookSecret = &p.Webhook.Secret
		}
		job.WebhookHeaders = p.Webhook.Headers
	}

	err := e.repo.Create(ctx, job)
	if errors.Is(err, sqlstore.ErrConflict) {
		// A concurrent intake with the same (api_key_id, idempotency_key)
		// won the insert; return its row — both callers see one job_id.
		existing, lookupErr := e.repo.FindByIdempotencyKey(ctx, apiKeyID, p.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &Created{JobID: existing.ID, Status: existing.Status}, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := json.Marshal(envelope{JobID: job.ID, Payload: p.Payload})
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal envelope: %w", err)
	}
	if err := e.q.Push(ctx, msg); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "job_queued",
		slog.String("job_id", job.ID),
		slog.String("kind", p.Kind),
		slog.String("provider", p.Provider),
	)
	return &Created{JobID: job.ID, Status: job.Status}, nil
}

// Get returns the Job snapshot scoped by owning key; a missing row or a
// row owned by a different key is the same 404.
func (e *Engine) Get(ctx context.Context, id, apiKeyID string) (*sqlstore.Job, error) {
	job, err := e.repo.Get(ctx, id, apiKeyID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		return nil, apierrs.New(http.StatusNotFound, apierrs.CodeNotFound, "job not found", apierrs.TypeInvalidRequest)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RedactPayload picks the redaction matching the job kind: message-level
// for chat.completions, the recursive key walk for everything else.
func RedactPayload(kind string, payload map[string]any) map[string]any {
	if kind == KindChatCompletions {
		return redact.ChatPayload(payload)
	}
	return redact.ResponsesPayload(payload)
}
