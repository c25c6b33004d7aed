package mock

import (
	"context"
	"strings"
	"testing"
)

func TestChatCompletions(t *testing.T) {
	p := New()

	res, err := p.ChatCompletions(context.Background(), map[string]any{
		"model":    "mock-1",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletions: %v", err)
	}

	choices := res.JSON["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	content := msg["content"].(string)
	if !strings.HasPrefix(content, "[mock] ok:") {
		t.Fatalf("content = %q, want [mock] ok: prefix", content)
	}

	// len("hi")/4 rounds up to the 1-token floor.
	if res.PromptTokens == nil || *res.PromptTokens != 1 {
		t.Fatalf("prompt tokens = %v, want 1", res.PromptTokens)
	}
	if res.CompletionTokens == nil || *res.CompletionTokens < 1 {
		t.Fatalf("completion tokens = %v, want >= 1", res.CompletionTokens)
	}
	if res.JSON["model"] != "mock-1" {
		t.Fatalf("model = %v", res.JSON["model"])
	}
}

func TestTokenCountFormula(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := tokenCount(tt.text); got != tt.want {
			t.Fatalf("tokenCount(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestResponses(t *testing.T) {
	p := New()

	res, err := p.Responses(context.Background(), map[string]any{
		"model": "mock-2",
		"input": "tell me something",
	})
	if err != nil {
		t.Fatalf("Responses: %v", err)
	}

	output := res.JSON["output"].([]any)[0].(map[string]any)
	text := output["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "tell me something") {
		t.Fatalf("echo missing from %q", text)
	}
	if res.TotalTokens == nil || *res.TotalTokens != *res.PromptTokens+*res.CompletionTokens {
		t.Fatalf("total tokens inconsistent: %+v", res)
	}
}

func TestListModels(t *testing.T) {
	p := New()

	data, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	models := data["data"].([]any)
	if len(models) != 2 {
		t.Fatalf("len(models) = %d, want 2", len(models))
	}
	if models[0].(map[string]any)["id"] != "mock-1" {
		t.Fatalf("first model = %v", models[0])
	}
}
