package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/redact"
)

func TestCreate_RejectsUnknownKind(t *testing.T) {
	e := NewEngine(slog.Default(), nil, nil)

	_, err := e.Create(context.Background(), "k1", CreateParams{Kind: "embeddings"})
	var pub *apierrs.PublicError
	if !errors.As(err, &pub) {
		t.Fatalf("expected PublicError, got %v", err)
	}
	if pub.StatusCode != 400 || pub.Code != apierrs.CodeInvalidRequestFormat {
		t.Fatalf("got (%d, %s), want (400, invalid_request)", pub.StatusCode, pub.Code)
	}
}

func TestRedactPayload_KindDispatch(t *testing.T) {
	payload := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hello world!"}},
	}

	chat := RedactPayload(KindChatCompletions, payload)
	msg := chat["messages"].([]any)[0].(map[string]any)
	if msg["content"] != "<redacted>" {
		t.Fatalf("chat kind must use message-level redaction, got %v", msg["content"])
	}

	resp := RedactPayload(KindResponses, payload)
	sentinel := resp["messages"].([]any)[0].(map[string]any)["content"].(map[string]any)
	if sentinel["redacted"] != true || sentinel["sha256"] != redact.Sha256Hex("hello world!") {
		t.Fatalf("responses kind must use the recursive walk, got %v", sentinel)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.retries); got != tt.want {
			t.Fatalf("RetryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
