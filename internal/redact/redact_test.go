package redact

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatPayload(t *testing.T) {
	payload := map[string]any{
		"model": "gpt-x",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello there"},
			map[string]any{"role": "assistant", "content": "hi"},
		},
	}

	out := ChatPayload(payload)

	msgs := out["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["content"] != "<redacted>" {
		t.Fatalf("content = %v, want sentinel", first["content"])
	}
	if first["content_len"] != len("hello there") {
		t.Fatalf("content_len = %v, want %d", first["content_len"], len("hello there"))
	}
	if first["content_sha256"] != Sha256Hex("hello there") {
		t.Fatalf("content_sha256 mismatch")
	}
	if first["role"] != "user" {
		t.Fatalf("role must survive redaction, got %v", first["role"])
	}
	if out["model"] != "gpt-x" {
		t.Fatalf("model must survive redaction, got %v", out["model"])
	}

	// The input must not be mutated.
	orig := payload["messages"].([]any)[0].(map[string]any)
	if orig["content"] != "hello there" {
		t.Fatal("original payload was mutated")
	}
}

func TestChatPayload_ArrayContent(t *testing.T) {
	blocks := []any{
		map[string]any{"type": "text", "text": "my secret"},
		map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:abc"}},
	}
	payload := map[string]any{
		"model": "gpt-x",
		"messages": []any{
			map[string]any{"role": "user", "content": blocks},
		},
	}

	out := ChatPayload(payload)

	first := out["messages"].([]any)[0].(map[string]any)
	if first["content"] != "<redacted>" {
		t.Fatalf("content = %v, want sentinel", first["content"])
	}
	if _, ok := first["content_sha256"].(string); !ok {
		t.Fatalf("array content must still leave a digest, got %v", first)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, leak := range []string{"my secret", "data:abc"} {
		if strings.Contains(string(raw), leak) {
			t.Fatalf("redacted output leaked %q: %s", leak, raw)
		}
	}
}

func TestChatPayload_NonMapMessageDropped(t *testing.T) {
	payload := map[string]any{
		"messages": []any{"bare string with user text", map[string]any{"role": "user", "content": "hi there!"}},
	}

	out := ChatPayload(payload)

	msgs := out["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want non-map entries dropped", len(msgs))
	}
	raw, _ := json.Marshal(out)
	if strings.Contains(string(raw), "bare string with user text") {
		t.Fatalf("dropped message leaked: %s", raw)
	}
}

func TestResponsesPayload(t *testing.T) {
	payload := map[string]any{
		"model":        "gpt-x",
		"instructions": "be terse",
		"input": []any{
			map[string]any{"role": "user", "content": "secret text"},
		},
		"metadata": map[string]any{"text": "nested sensitive"},
	}

	out := ResponsesPayload(payload)

	instr := out["instructions"].(map[string]any)
	if instr["redacted"] != true || instr["len"] != len("be terse") || instr["sha256"] != Sha256Hex("be terse") {
		t.Fatalf("instructions not redacted correctly: %v", instr)
	}

	input := out["input"].([]any)[0].(map[string]any)
	content := input["content"].(map[string]any)
	if content["redacted"] != true || content["sha256"] != Sha256Hex("secret text") {
		t.Fatalf("nested content not redacted: %v", content)
	}

	nested := out["metadata"].(map[string]any)["text"].(map[string]any)
	if nested["redacted"] != true {
		t.Fatalf("sensitive key below a non-sensitive map not redacted: %v", nested)
	}

	if out["model"] != "gpt-x" {
		t.Fatalf("model must survive, got %v", out["model"])
	}
}

func TestResultSummary(t *testing.T) {
	result := map[string]any{
		"id":      "resp_1",
		"content": "user visible text",
		"usage":   map[string]any{"total_tokens": 3},
	}

	sum := ResultSummary(result)

	keys := sum["keys"].([]string)
	if len(keys) != 2 || keys[0] != "content" || keys[1] != "id" {
		t.Fatalf("keys = %v, want sorted top-level string keys [content id]", keys)
	}
	if sum["sha256"] == "" {
		t.Fatal("expected a digest")
	}
	// Deterministic across calls.
	again := ResultSummary(result)
	if sum["sha256"] != again["sha256"] {
		t.Fatal("summary digest must be deterministic")
	}
}

// TestNoUserTextSurvives checks the core guarantee directly: no substring
// of any original message content may appear in the serialized redacted
// output.
func TestNoUserTextSurvives(t *testing.T) {
	secrets := []string{"alpha-secret-1", "бета-секрет-2", "gamma\nsecret\t3"}

	payload := map[string]any{
		"model": "gpt-x",
		"messages": []any{
			map[string]any{"role": "user", "content": secrets[0]},
			map[string]any{"role": "user", "content": secrets[1]},
		},
		"input":        secrets[2],
		"instructions": secrets[0],
	}

	for _, out := range []map[string]any{ChatPayload(payload), ResponsesPayload(payload)} {
		raw, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, s := range secrets {
			enc, _ := json.Marshal(s)
			if strings.Contains(string(raw), string(enc[1:len(enc)-1])) {
				t.Fatalf("redacted output leaked %q: %s", s, raw)
			}
		}
	}
}

func FuzzChatPayloadNeverLeaks(f *testing.F) {
	f.Add("hello world", "second message")
	f.Add("", "x")
	f.Add("префикс", "suffix with spaces   ")

	f.Fuzz(func(t *testing.T, a, b string) {
		// Short strings collide with structural JSON too easily to assert on.
		if len(a) < 8 || len(b) < 8 {
			t.Skip()
		}
		payload := map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": a},
				map[string]any{"role": "assistant", "content": b},
				map[string]any{"role": "user", "content": []any{
					map[string]any{"type": "text", "text": a},
					map[string]any{"type": "text", "text": b},
				}},
			},
		}
		raw, err := json.Marshal(ChatPayload(payload))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, s := range []string{a, b} {
			enc, _ := json.Marshal(s)
			if strings.Contains(string(raw), string(enc)) {
				t.Fatalf("redacted output contains original content %q", s)
			}
		}
	})
}
