// Package mock implements an in-process provider that synthesizes
// deterministic responses without calling any external service — useful
// for demos and end-to-end tests that don't depend on real upstream
// credentials. Token counts are derived as max(1, len(text)/4).
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/art-dzd/ai-gateway/internal/providers"
)

const name = "mock"

// Provider is the mock provider client. It holds no state and never fails.
type Provider struct{}

// New constructs the mock provider. Always succeeds — there is nothing to
// configure, which is the point: it lets the whole gateway be exercised
// without any upstream credentials.
func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return name }

// Responses synthesizes a Responses-API-shaped payload.
func (p *Provider) Responses(_ context.Context, payload map[string]any) (*providers.Result, error) {
	model := stringOr(payload["model"], "mock-1")
	userText := extractResponsesInput(payload["input"])
	outText := fmt.Sprintf("[mock] ok: %s", truncate(userText, 120))

	promptTokens := tokenCount(userText)
	completionTokens := tokenCount(outText)
	total := promptTokens + completionTokens

	result := map[string]any{
		"id":      "resp_" + uuid.New().String(),
		"object":  "response",
		"created": time.Now().Unix(),
		"model":   model,
		"output": []any{
			map[string]any{
				"id":   "msg_" + uuid.New().String(),
				"type": "message",
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "output_text", "text": outText},
				},
			},
		},
		"usage": map[string]any{
			"input_tokens":  promptTokens,
			"output_tokens": completionTokens,
			"total_tokens":  total,
		},
	}

	return &providers.Result{
		JSON:             result,
		PromptTokens:     &promptTokens,
		CompletionTokens: &completionTokens,
		TotalTokens:      &total,
	}, nil
}

// ChatCompletions synthesizes a chat-completions-shaped payload.
func (p *Provider) ChatCompletions(_ context.Context, payload map[string]any) (*providers.Result, error) {
	model := stringOr(payload["model"], "mock-1")
	userText := extractLastMessageContent(payload["messages"])
	outText := fmt.Sprintf("[mock] ok: %s", truncate(userText, 120))

	promptTokens := tokenCount(userText)
	completionTokens := tokenCount(outText)
	total := promptTokens + completionTokens

	result := map[string]any{
		"id":      "chatcmpl_" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": outText,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      total,
		},
	}

	return &providers.Result{
		JSON:             result,
		PromptTokens:     &promptTokens,
		CompletionTokens: &completionTokens,
		TotalTokens:      &total,
	}, nil
}

// ListModels returns a fixed two-model catalog.
func (p *Provider) ListModels(_ context.Context) (map[string]any, error) {
	now := time.Now().Unix()
	return map[string]any{
		"object": "list",
		"data": []any{
			map[string]any{"id": "mock-1", "object": "model", "created": now, "owned_by": "ai-gateway"},
			map[string]any{"id": "mock-2", "object": "model", "created": now, "owned_by": "ai-gateway"},
		},
	}, nil
}

func tokenCount(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// extractResponsesInput handles the Responses-API "input" field: a bare
// string, or a messages-like list whose last element carries a "content"
// string.
func extractResponsesInput(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) == 0 {
			return ""
		}
		if last, ok := t[len(t)-1].(map[string]any); ok {
			if s, ok := last["content"].(string); ok {
				return s
			}
		}
	}
	return ""
}

func extractLastMessageContent(v any) string {
	msgs, ok := v.([]any)
	if !ok || len(msgs) == 0 {
		return ""
	}
	last, ok := msgs[len(msgs)-1].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := last["content"].(string)
	return s
}
