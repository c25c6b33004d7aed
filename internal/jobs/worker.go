package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/metrics"
	"github.com/art-dzd/ai-gateway/internal/pricing"
	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/internal/queue"
	"github.com/art-dzd/ai-gateway/internal/redact"
	"github.com/art-dzd/ai-gateway/internal/webhook"
)

const (
	popWait     = 5 * time.Second
	maxRetries  = 3
	maxBackoff  = 60 * time.Second
	statusOK    = "succeeded"
	statusError = "failed"
)

// Worker consumes the job queue and drives each Job to its terminal state:
// claim under row lock, invoke the provider, write the RequestLog and
// JobAttempt rows, commit the terminal status, and hand a delivery to the
// webhook queue.
//
// Retries cover infrastructure failures only (DB, queue, serialization);
// a provider "business" failure is final after one attempt — the provider
// client already did its own bounded retrying.
type Worker struct {
	log      *slog.Logger
	repo     *sqlstore.JobRepo
	attempts *chstore.JobAttemptRepo
	reqlog   *chstore.RequestLogRepo
	provs    *providers.Factory
	prices   *pricing.Table
	prom     *metrics.Registry
	jobQ     *queue.Queue
	webhookQ *queue.Queue
}

func NewWorker(
	log *slog.Logger,
	repo *sqlstore.JobRepo,
	attempts *chstore.JobAttemptRepo,
	reqlog *chstore.RequestLogRepo,
	provs *providers.Factory,
	prices *pricing.Table,
	prom *metrics.Registry,
	jobQ, webhookQ *queue.Queue,
) *Worker {
	return &Worker{
		log:      log,
		repo:     repo,
		attempts: attempts,
		reqlog:   reqlog,
		provs:    provs,
		prices:   prices,
		prom:     prom,
		jobQ:     jobQ,
		webhookQ: webhookQ,
	}
}

// Run consumes the job queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.jobQ.Pop(ctx, popWait)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			w.log.ErrorContext(ctx, "job_dequeue_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			w.log.WarnContext(ctx, "job_envelope_invalid", slog.String("error", err.Error()))
			continue
		}

		if err := w.process(ctx, env); err != nil {
			w.retry(ctx, env, err)
		}
	}
}

// process drives one dequeued envelope to a terminal Job state. A
// returned error means an infrastructure failure the caller should retry;
// provider failures are handled inside and produce a terminal failed Job.
func (w *Worker) process(ctx context.Context, env envelope) error {
	job, discard, commit, rollback, err := w.repo.ClaimForAttempt(ctx, env.JobID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		w.log.WarnContext(ctx, "job_not_found", slog.String("job_id", env.JobID))
		return nil
	}
	if err != nil {
		return err
	}
	if discard {
		return nil // already terminal — duplicate or replayed delivery
	}
	if err := commit(); err != nil {
		rollback()
		return err
	}

	attempt, err := w.attempts.NextOrdinal(ctx, job.ID)
	if err != nil {
		return err
	}

	model := ""
	if job.Model != nil {
		model = *job.Model
	}

	start := time.Now()
	var res *providers.Result
	client, callErr := w.provs.Get(job.Provider)
	if callErr == nil {
		if job.Kind == KindChatCompletions {
			res, callErr = client.ChatCompletions(ctx, env.Payload)
		} else {
			res, callErr = client.Responses(ctx, env.Payload)
		}
	}
	latencyMs := time.Since(start).Milliseconds()

	status := statusOK
	var pub *apierrs.PublicError
	var respJSON map[string]any
	var pt, ct, tt *int
	if callErr != nil {
		status = statusError
		pub = apierrs.Map(callErr)
		respJSON = apierrs.Payload(pub)
	} else {
		respJSON = res.JSON
		pt, ct, tt = res.PromptTokens, res.CompletionTokens, res.TotalTokens
	}

	cost := w.prices.Cost(model, pt, ct)
	requestID := uuid.NewString()

	var errCode, errText *string
	logErrCode, logErrText := "", ""
	if callErr != nil {
		logErrCode, logErrText = pub.Code, callErr.Error()
		errCode, errText = &logErrCode, &logErrText
	}

	// The RequestLog and JobAttempt rows are written synchronously,
	// back-to-back with the terminal commit below, so a crash can leave at
	// most one job with audit rows but no terminal status.
	if err := w.reqlog.Insert(ctx, chstore.RequestLogRow{
		ID:               requestID,
		APIKeyID:         job.APIKeyID,
		Kind:             job.Kind,
		Provider:         job.Provider,
		Model:            model,
		Status:           status,
		ErrorCode:        logErrCode,
		ErrorText:        logErrText,
		PromptTokens:     pt,
		CompletionTokens: ct,
		TotalTokens:      tt,
		CostRub:          cost,
		LatencyMs:        latencyMs,
		RequestRedacted:  RedactPayload(job.Kind, env.Payload),
		ResponseRedacted: redact.ResultSummary(respJSON),
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := w.attempts.Insert(ctx, chstore.JobAttemptRow{
		JobID:     job.ID,
		Ordinal:   attempt,
		Status:    status,
		ErrorText: logErrText,
		LatencyMs: latencyMs,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	result := map[string]any{
		"request_id": requestID,
		"provider":   job.Provider,
		"model":      model,
		"latency_ms": latencyMs,
		"tokens": map[string]any{
			"prompt":     optInt(pt),
			"completion": optInt(ct),
			"total":      optInt(tt),
		},
		"cost_rub": optCost(cost),
		"result":   redact.ResultSummary(respJSON),
	}

	if err := w.repo.SetTerminal(ctx, job.ID, status, result, errCode, errText); err != nil {
		return err
	}

	w.prom.RecordJob(job.Provider, status)
	w.prom.AddTokens(job.Provider, labelModel(model), pt, ct, tt)
	if cost != nil {
		f, _ := cost.Float64()
		w.prom.AddCost(job.Provider, labelModel(model), f)
	}

	if job.WebhookURL != nil {
		w.enqueueWebhook(ctx, job, status, attempt, requestID, model, latencyMs, cost, respJSON, pub)
	}

	w.log.InfoContext(ctx, "job_finished",
		slog.String("job_id", job.ID),
		slog.String("status", status),
		slog.Int("attempt", attempt),
		slog.Int64("latency_ms", latencyMs),
	)
	return nil
}

// enqueueWebhook builds the delivery body and hands it to the webhook
// queue. A push failure here is logged rather than retried: the Job is
// already terminal, so replaying process() would discard it without ever
// reaching this point again.
func (w *Worker) enqueueWebhook(ctx context.Context, job *sqlstore.Job, status string, attempt int, requestID, model string, latencyMs int64, cost *decimal.Decimal, respJSON map[string]any, pub *apierrs.PublicError) {
	body := map[string]any{
		"job_id": job.ID,
		"status": status,
		"meta": map[string]any{
			"request_id": requestID,
			"provider":   job.Provider,
			"model":      model,
			"latency_ms": latencyMs,
			"cost_rub":   optCost(cost),
			"attempt":    attempt,
		},
	}
	if status == statusOK {
		body["result"] = respJSON
	} else {
		body["error"] = map[string]any{
			"code":    pub.Code,
			"message": pub.Message,
		}
	}

	msg, err := webhook.NewMessage(job.ID, body)
	if err != nil {
		w.log.ErrorContext(ctx, "webhook_body_marshal_failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	if err := w.webhookQ.Push(ctx, msg); err != nil {
		w.log.ErrorContext(ctx, "webhook_enqueue_failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// retry re-enqueues an envelope after an infrastructure failure with
// backoff min(60s, 2^retries), bounded at 3 retries.
func (w *Worker) retry(ctx context.Context, env envelope, cause error) {
	if env.Retries >= maxRetries {
		w.log.ErrorContext(ctx, "job_retries_exhausted",
			slog.String("job_id", env.JobID),
			slog.Int("retries", env.Retries),
			slog.String("error", cause.Error()),
		)
		return
	}

	delay := RetryBackoff(env.Retries)
	env.Retries++
	msg, err := json.Marshal(env)
	if err != nil {
		w.log.ErrorContext(ctx, "job_retry_marshal_failed", slog.String("job_id", env.JobID), slog.String("error", err.Error()))
		return
	}
	if err := w.jobQ.PushDelayed(ctx, msg, delay); err != nil {
		w.log.ErrorContext(ctx, "job_retry_enqueue_failed", slog.String("job_id", env.JobID), slog.String("error", err.Error()))
		return
	}
	w.log.WarnContext(ctx, "job_retry_scheduled",
		slog.String("job_id", env.JobID),
		slog.Int("retry", env.Retries),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
}

// RetryBackoff is min(60s, 2^retries) seconds.
func RetryBackoff(retries int) time.Duration {
	d := time.Duration(1<<uint(retries)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func labelModel(model string) string {
	if model == "" {
		return "-"
	}
	return model
}

func optInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func optCost(cost *decimal.Decimal) any {
	if cost == nil {
		return nil
	}
	f, _ := cost.Float64()
	return f
}
