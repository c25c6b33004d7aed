// Package openaicompat implements the OpenAI-compatible provider variant:
// it POSTs/GETs raw JSON to an upstream's /v1/responses,
// /v1/chat/completions and /v1/models endpoints.
//
// Responses and chat completions are issued as raw JSON rather than
// through the SDK's typed chat-completion params — the Responses API has
// no typed surface in the SDK, and both operations have to share one
// retry/backoff/base-URL code path. Model listing still goes through the
// SDK's typed call.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/art-dzd/ai-gateway/internal/providers"
)

var retryableStatus = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// Provider is a configurable OpenAI-compatible provider client.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sdk        openaiSDK.Client // used only for the typed ListModels call
	headers    map[string]string
	retries    int
}

// Config carries the per-process construction parameters, one-to-one
// with the OPENAI_* environment variables.
type Config struct {
	Name           string
	APIKey         string
	BaseURL        string
	TimeoutSeconds float64
	Retries        int
	HTTPReferer    string
	Title          string
}

// New constructs an OpenAI-compatible Provider. Returns
// *providers.NotConfiguredError if APIKey or BaseURL is empty.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, &providers.NotConfiguredError{
			Name:   cfg.Name,
			Detail: "OPENAI_BASE_URL and OPENAI_API_KEY are both required",
		}
	}

	base := normalizeBaseURL(cfg.BaseURL)
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	headers := map[string]string{}
	if cfg.HTTPReferer != "" {
		headers["HTTP-Referer"] = cfg.HTTPReferer
	}
	if cfg.Title != "" {
		headers["X-Title"] = cfg.Title
	}

	httpClient := &http.Client{Timeout: time.Duration(timeout * float64(time.Second))}

	sdk := openaiSDK.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(base+"/v1"),
		option.WithHTTPClient(httpClient),
	)

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    base,
		httpClient: httpClient,
		sdk:        sdk,
		headers:    headers,
		retries:    retries,
	}, nil
}

// normalizeBaseURL strips a trailing slash and a trailing "/v1", so both
// "https://api.openai.com" and "https://api.openai.com/v1" are accepted.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/")
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Responses(ctx context.Context, payload map[string]any) (*providers.Result, error) {
	body := cloneMap(payload)
	if _, ok := body["store"]; !ok {
		body["store"] = false
	}
	data, err := p.request(ctx, http.MethodPost, "/v1/responses", body)
	if err != nil {
		return nil, err
	}
	usage, _ := data["usage"].(map[string]any)
	return &providers.Result{
		JSON:             data,
		PromptTokens:     intPtr(usage["input_tokens"]),
		CompletionTokens: intPtr(usage["output_tokens"]),
		TotalTokens:      intPtr(usage["total_tokens"]),
	}, nil
}

func (p *Provider) ChatCompletions(ctx context.Context, payload map[string]any) (*providers.Result, error) {
	data, err := p.request(ctx, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	usage, _ := data["usage"].(map[string]any)
	return &providers.Result{
		JSON:             data,
		PromptTokens:     intPtr(usage["prompt_tokens"]),
		CompletionTokens: intPtr(usage["completion_tokens"]),
		TotalTokens:      intPtr(usage["total_tokens"]),
	}, nil
}

func (p *Provider) ListModels(ctx context.Context) (map[string]any, error) {
	resp, err := p.sdk.Models.List(ctx)
	if err != nil {
		return nil, p.classifyError(err, 0)
	}
	data := make([]any, 0, len(resp.Data))
	for _, m := range resp.Data {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		})
	}
	return map[string]any{"object": "list", "data": data}, nil
}

// request issues one HTTP call with bounded retries: up to (retries+1)
// attempts total, retrying only transport errors and the enumerated
// retryable statuses, backoff min(2s, 0.2*2^attempt).
func (p *Provider) request(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
		}
	}

	url := p.baseURL + path
	var lastErr error

	for attempt := 0; attempt <= p.retries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", p.name, err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range p.headers {
			req.Header.Set(k, v)
		}

		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			lastErr = p.classifyError(doErr, 0)
			if attempt < p.retries {
				sleep(backoff(attempt))
				continue
			}
			return nil, lastErr
		}

		status := resp.StatusCode
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%s: read response: %w", p.name, readErr)
			if attempt < p.retries {
				sleep(backoff(attempt))
				continue
			}
			return nil, lastErr
		}

		if status >= 400 {
			if retryableStatus[status] && attempt < p.retries {
				lastErr = p.classifyError(fmt.Errorf("%s", string(raw)), status)
				sleep(backoff(attempt))
				continue
			}
			return nil, p.classifyError(fmt.Errorf("%s", string(raw)), status)
		}

		var out map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
			}
		}
		return out, nil
	}

	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := 0.2 * float64(int(1)<<uint(attempt))
	if d > 2.0 {
		d = 2.0
	}
	return time.Duration(d * float64(time.Second))
}

// sleep is a package-level var so tests can stub out real waiting.
var sleep = time.Sleep

// Error is the structured error a ChatCompletions/Responses/ListModels
// call returns. It carries enough shape for the error mapper to classify
// it: HTTPStatus()==0 and IsTimeout()==false with a non-nil error means a
// transport failure rather than an HTTP response.
type Error struct {
	Provider   string
	StatusCode int
	Timeout    bool
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *Error) HTTPStatus() int { return e.StatusCode }
func (e *Error) IsTimeout() bool { return e.Timeout }

func (p *Provider) classifyError(err error, status int) error {
	if status != 0 {
		msg := "upstream error"
		if err != nil {
			msg = err.Error()
		}
		return &Error{Provider: p.name, StatusCode: status, Message: msg}
	}
	if err == nil {
		return &Error{Provider: p.name, Message: "unknown error"}
	}
	if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
		return &Error{Provider: p.name, Timeout: true, Message: err.Error()}
	}
	return &Error{Provider: p.name, Message: err.Error()}
}

func intPtr(v any) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
