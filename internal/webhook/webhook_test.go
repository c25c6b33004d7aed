package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"job_id":"j1","status":"succeeded"}`)
	sig := Sign("s3cret", body)

	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature = %q, want sha256= prefix", sig)
	}
	if !Verify(sig, body, "s3cret") {
		t.Fatal("valid signature failed verification")
	}

	tampered := []byte(`{"job_id":"j1","status":"failed"}`)
	if Verify(sig, tampered, "s3cret") {
		t.Fatal("tampered body passed verification")
	}
	if Verify(sig, body, "wrong") {
		t.Fatal("wrong secret passed verification")
	}
}

func TestSignKnownVector(t *testing.T) {
	// HMAC-SHA256("key", "body") — fixed vector so the header format never
	// drifts silently.
	got := Sign("key", []byte("body"))
	want := "sha256=515aae133b435d4000956731f68ae5cf5eb85d4f0dc6a546d2bfcd3595ec1ae1"
	if got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
}

func TestNewMessage_CompactUTF8(t *testing.T) {
	raw, err := NewMessage("j1", map[string]any{
		"status": "succeeded",
		"note":   "привет <ok>",
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.JobID != "j1" || msg.Retries != 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	body := string(msg.Body)
	if strings.Contains(body, `": `) || strings.Contains(body, `", "`) {
		t.Fatalf("body not compact: %s", body)
	}
	if !strings.Contains(body, "привет") {
		t.Fatalf("non-ASCII was escaped: %s", body)
	}
	if !strings.Contains(body, "<ok>") || strings.Contains(body, `\u003c`) {
		t.Fatalf("HTML escaping applied: %s", body)
	}
	if strings.HasSuffix(body, "\n") {
		t.Fatal("trailing newline left in body")
	}
}

func TestRetryable(t *testing.T) {
	retry := []int{408, 409, 425, 429, 500, 502, 503, 504, 599}
	for _, s := range retry {
		if !Retryable(s) {
			t.Fatalf("status %d must be retryable", s)
		}
	}
	noRetry := []int{400, 401, 403, 404, 410, 418, 422}
	for _, s := range noRetry {
		if Retryable(s) {
			t.Fatalf("status %d must not be retryable", s)
		}
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.retries); got != tt.want {
			t.Fatalf("RetryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
