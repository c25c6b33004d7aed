// Package webhook delivers signed, at-least-once HTTP callbacks after a
// Job terminates, with retry classification by status code and a durable
// per-delivery audit row. Receivers may observe duplicates and should
// dedupe by job_id and signature.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/metrics"
	"github.com/art-dzd/ai-gateway/internal/queue"
)

const (
	// SignatureHeader carries the HMAC of the body when a secret is set.
	SignatureHeader = "X-AI-Gateway-Signature"

	popWait    = 5 * time.Second
	maxRetries = 5
	maxBackoff = 300 * time.Second
)

var retryableStatus = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
}

// Message is one queued delivery: the terminal Job it belongs to and the
// exact body bytes to POST. Body is serialized once, at enqueue time, so
// the signature covers identical bytes on every retry.
type Message struct {
	JobID   string          `json:"job_id"`
	Body    json.RawMessage `json:"body"`
	Retries int             `json:"retries"`
}

// NewMessage serializes body compactly (no spaces, UTF-8 kept literal) and
// wraps it in a queue-ready Message.
func NewMessage(jobID string, body map[string]any) ([]byte, error) {
	raw, err := compactJSON(body)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal body: %w", err)
	}
	return compactJSON(Message{JobID: jobID, Body: raw})
}

// compactJSON marshals v without HTML escaping, so <, > and & reach the
// receiver literally rather than as JSON unicode escapes (other non-ASCII
// text is kept as UTF-8 by encoding/json either way), and strips the
// trailing newline json.Encoder appends.
func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the signature-header value "sha256=<hex(HMAC-SHA256)>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body under secret.
// Receivers use this to authenticate deliveries; constant-time compare.
func Verify(sig string, body []byte, secret string) bool {
	return hmac.Equal([]byte(sig), []byte(Sign(secret, body)))
}

// Dispatcher consumes the webhook queue and performs deliveries.
type Dispatcher struct {
	log        *slog.Logger
	jobs       *sqlstore.JobRepo
	deliveries *chstore.WebhookDeliveryRepo
	prom       *metrics.Registry
	q          *queue.Queue
	client     *http.Client
}

func NewDispatcher(
	log *slog.Logger,
	jobs *sqlstore.JobRepo,
	deliveries *chstore.WebhookDeliveryRepo,
	prom *metrics.Registry,
	q *queue.Queue,
	timeout time.Duration,
) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		log:        log,
		jobs:       jobs,
		deliveries: deliveries,
		prom:       prom,
		q:          q,
		client:     &http.Client{Timeout: timeout},
	}
}

// Run consumes the webhook queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		raw, err := d.q.Pop(ctx, popWait)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			d.log.ErrorContext(ctx, "webhook_dequeue_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if raw == nil {
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.log.WarnContext(ctx, "webhook_message_invalid", slog.String("error", err.Error()))
			continue
		}

		d.deliver(ctx, msg)
	}
}

// deliver performs one delivery attempt for a dequeued message.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	job, err := d.jobs.GetForWorker(ctx, msg.JobID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		return
	}
	if err != nil {
		d.retry(ctx, msg, err)
		return
	}
	if job.WebhookURL == nil {
		return
	}
	url := *job.WebhookURL

	ordinal, err := d.deliveries.NextOrdinal(ctx, job.ID)
	if err != nil {
		d.retry(ctx, msg, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Body))
	if err != nil {
		// A malformed URL never becomes valid — record and stop.
		d.record(ctx, job.ID, ordinal, url, nil, err.Error(), 0)
		d.prom.RecordWebhookDelivery("failed")
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range job.WebhookHeaders {
		req.Header.Set(k, v)
	}
	if job.WebhookSecret != nil {
		req.Header.Set(SignatureHeader, Sign(*job.WebhookSecret, msg.Body))
	}

	start := time.Now()
	resp, doErr := d.client.Do(req)
	latencyMs := time.Since(start).Milliseconds()

	if doErr != nil {
		// Transport failure or timeout: status_code stays null.
		d.record(ctx, job.ID, ordinal, url, nil, doErr.Error(), latencyMs)
		d.prom.RecordWebhookDelivery("failed")
		d.retry(ctx, msg, doErr)
		return
	}
	status := resp.StatusCode
	resp.Body.Close()

	switch {
	case status >= 200 && status < 300:
		d.record(ctx, job.ID, ordinal, url, &status, "", latencyMs)
		d.prom.RecordWebhookDelivery("succeeded")
		d.log.InfoContext(ctx, "webhook_delivered",
			slog.String("job_id", job.ID),
			slog.Int("ordinal", ordinal),
			slog.Int("status", status),
		)

	case Retryable(status):
		errText := fmt.Sprintf("HTTP %d", status)
		d.record(ctx, job.ID, ordinal, url, &status, errText, latencyMs)
		d.prom.RecordWebhookDelivery("failed")
		d.retry(ctx, msg, errors.New(errText))

	default:
		// Permanent rejection by the receiver (typically 4xx) — recorded,
		// never retried.
		d.record(ctx, job.ID, ordinal, url, &status, fmt.Sprintf("HTTP %d", status), latencyMs)
		d.prom.RecordWebhookDelivery("failed")
		d.log.WarnContext(ctx, "webhook_rejected",
			slog.String("job_id", job.ID),
			slog.Int("ordinal", ordinal),
			slog.Int("status", status),
		)
	}
}

func (d *Dispatcher) record(ctx context.Context, jobID string, ordinal int, url string, status *int, errText string, latencyMs int64) {
	err := d.deliveries.Insert(ctx, chstore.WebhookDeliveryRow{
		JobID:      jobID,
		Ordinal:    ordinal,
		TargetURL:  url,
		HTTPStatus: status,
		ErrorText:  errText,
		LatencyMs:  latencyMs,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		d.log.ErrorContext(ctx, "webhook_delivery_insert_failed",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// retry re-enqueues with backoff min(300s, 2^retries), bounded at 5
// retries.
func (d *Dispatcher) retry(ctx context.Context, msg Message, cause error) {
	if msg.Retries >= maxRetries {
		d.log.ErrorContext(ctx, "webhook_retries_exhausted",
			slog.String("job_id", msg.JobID),
			slog.Int("retries", msg.Retries),
			slog.String("error", cause.Error()),
		)
		return
	}

	delay := RetryBackoff(msg.Retries)
	msg.Retries++
	raw, err := compactJSON(msg)
	if err != nil {
		d.log.ErrorContext(ctx, "webhook_retry_marshal_failed", slog.String("job_id", msg.JobID), slog.String("error", err.Error()))
		return
	}
	if err := d.q.PushDelayed(ctx, raw, delay); err != nil {
		d.log.ErrorContext(ctx, "webhook_retry_enqueue_failed", slog.String("job_id", msg.JobID), slog.String("error", err.Error()))
		return
	}
	d.log.WarnContext(ctx, "webhook_retry_scheduled",
		slog.String("job_id", msg.JobID),
		slog.Int("retry", msg.Retries),
		slog.Duration("delay", delay),
	)
}

// Retryable reports whether an HTTP response status warrants another
// delivery attempt: 408, 409, 425, 429 or any 5xx.
func Retryable(status int) bool {
	return retryableStatus[status] || status >= 500
}

// RetryBackoff is min(300s, 2^retries) seconds.
func RetryBackoff(retries int) time.Duration {
	d := time.Duration(1<<uint(retries)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
