package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/art-dzd/ai-gateway/internal/providers"
)

func init() {
	sleep = func(time.Duration) {} // no real backoff waits in tests
}

func newTestProvider(t *testing.T, baseURL string, retries int) *Provider {
	t.Helper()
	p, err := New(Config{
		Name:    "openai",
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Retries: retries,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{Name: "openai"})
	var nc *providers.NotConfiguredError
	if !errors.As(err, &nc) {
		t.Fatalf("expected NotConfiguredError, got %v", err)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://api.example.com", "https://api.example.com"},
		{"https://api.example.com/", "https://api.example.com"},
		{"https://api.example.com/v1", "https://api.example.com"},
		{"https://api.example.com/v1/", "https://api.example.com"},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResponses_InjectsStoreFalse(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "resp_1",
			"usage": map[string]any{"input_tokens": 2, "output_tokens": 3, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, 0)
	res, err := p.Responses(context.Background(), map[string]any{"model": "gpt-x", "input": "hi"})
	if err != nil {
		t.Fatalf("Responses: %v", err)
	}

	if body["store"] != false {
		t.Fatalf("store = %v, want injected false", body["store"])
	}
	if res.PromptTokens == nil || *res.PromptTokens != 2 || res.TotalTokens == nil || *res.TotalTokens != 5 {
		t.Fatalf("tokens not extracted: %+v", res)
	}
}

func TestResponses_KeepsExplicitStore(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_1"})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, 0)
	if _, err := p.Responses(context.Background(), map[string]any{"store": true}); err != nil {
		t.Fatalf("Responses: %v", err)
	}
	if body["store"] != true {
		t.Fatalf("store = %v, want preserved true", body["store"])
	}
}

func TestChatCompletions_RetriesOn503(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl_1",
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, 2)
	res, err := p.ChatCompletions(context.Background(), map[string]any{"model": "gpt-x"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if res.JSON["id"] != "chatcmpl_1" {
		t.Fatalf("unexpected body: %v", res.JSON)
	}
}

func TestChatCompletions_RetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, 2)
	_, err := p.ChatCompletions(context.Background(), map[string]any{})
	var oc *Error
	if !errors.As(err, &oc) || oc.StatusCode != 503 {
		t.Fatalf("expected final 503 Error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3 (retries exhausted)", calls)
	}
}

func TestChatCompletions_418NotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, 3)
	_, err := p.ChatCompletions(context.Background(), map[string]any{})
	var oc *Error
	if !errors.As(err, &oc) || oc.StatusCode != 418 {
		t.Fatalf("expected immediate 418 Error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (non-retryable)", calls)
	}
}

func TestTransportFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	p := newTestProvider(t, srv.URL, 0)
	_, err := p.ChatCompletions(context.Background(), map[string]any{})
	var oc *Error
	if !errors.As(err, &oc) {
		t.Fatalf("expected Error, got %v", err)
	}
	if oc.StatusCode != 0 || oc.Timeout {
		t.Fatalf("transport failure must have StatusCode=0 Timeout=false, got %+v", oc)
	}
}

func TestExtraHeadersAttached(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "x"})
	}))
	defer srv.Close()

	p, err := New(Config{
		Name:        "openai",
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
		HTTPReferer: "https://gw.example.com",
		Title:       "шлюз",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.ChatCompletions(context.Background(), map[string]any{}); err != nil {
		t.Fatalf("ChatCompletions: %v", err)
	}
	if referer != "https://gw.example.com" {
		t.Fatalf("referer = %q", referer)
	}
	if title == "" {
		t.Fatal("title header missing")
	}
}

func TestBackoffCapped(t *testing.T) {
	if d := backoff(0); d != 200*time.Millisecond {
		t.Fatalf("backoff(0) = %v, want 200ms", d)
	}
	if d := backoff(1); d != 400*time.Millisecond {
		t.Fatalf("backoff(1) = %v, want 400ms", d)
	}
	if d := backoff(10); d != 2*time.Second {
		t.Fatalf("backoff(10) = %v, want capped 2s", d)
	}
}
