package gateway

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/jobs"
)

// jobCreateRequest is the POST /v1/jobs body.
type jobCreateRequest struct {
	Kind           string              `json:"kind"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	Payload        map[string]any      `json:"payload"`
	Webhook        *jobs.WebhookConfig `json:"webhook"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (g *Gateway) handleCreateJob(ctx *fasthttp.RequestCtx) {
	ar, err := g.admit(ctx, "jobs.create")
	if err != nil {
		writeError(ctx, err)
		return
	}

	var req jobCreateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, apierrs.New(fasthttp.StatusBadRequest, apierrs.CodeInvalidRequestFormat,
			"request body must be a JSON object", apierrs.TypeInvalidRequest))
		return
	}

	// Provider resolution: body -> X-Provider header -> default. admit
	// already resolved the header/default half into ar.provider.
	provider := req.Provider
	if provider == "" {
		provider = ar.provider
	}
	model := req.Model
	if model == "" {
		model = modelOf(req.Payload)
	}

	created, err := g.jobs.Create(ctx, ar.key.APIKeyID, jobs.CreateParams{
		Kind:           req.Kind,
		Provider:       provider,
		Model:          model,
		Payload:        req.Payload,
		Webhook:        req.Webhook,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, created)
}

func (g *Gateway) handleGetJob(ctx *fasthttp.RequestCtx) {
	presented := string(ctx.Request.Header.Peek("X-API-Key"))
	if presented == "" {
		writeError(ctx, apierrs.New(fasthttp.StatusUnauthorized, apierrs.CodeInvalidAPIKey, "invalid API key", "authentication_error"))
		return
	}
	key, err := g.auth.Authenticate(ctx, presented)
	if err != nil {
		writeError(ctx, err)
		return
	}

	id, _ := ctx.UserValue("id").(string)
	job, err := g.jobs.Get(ctx, id, key.APIKeyID)
	if err != nil {
		writeError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"kind":        job.Kind,
		"provider":    job.Provider,
		"model":       strPtrOr(job.Model),
		"error_code":  strPtrOr(job.ErrorCode),
		"error_text":  strPtrOr(job.ErrorText),
		"result":      job.ResultRedacted,
		"created_at":  job.CreatedAt.Format(time.RFC3339),
		"updated_at":  job.UpdatedAt.Format(time.RFC3339),
		"webhook_url": strPtrOr(job.WebhookURL),
	})
}

func strPtrOr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
