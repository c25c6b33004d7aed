package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
)

func TestParseAPIKey(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		wantKeyID string
		wantSec   string
		wantNew   bool
	}{
		{"prefixed new form", "agw_abc123.supersecret", "abc123", "supersecret", true},
		{"bare new form", "abc123.supersecret", "abc123", "supersecret", true},
		{"no dot is legacy", "legacytoken", "", "legacytoken", false},
		{"empty left side falls back to legacy", ".secret", "", ".secret", false},
		{"empty right side falls back to legacy", "abc123.", "", "abc123.", false},
		{"prefix only falls back to legacy", "agw_.secret", "", "agw_.secret", false},
		{"dot inside secret stays in secret", "agw_id.se.cret", "id", "se.cret", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyID, secret, isNew := parseAPIKey(tt.presented)
			if keyID != tt.wantKeyID || secret != tt.wantSec || isNew != tt.wantNew {
				t.Fatalf("parseAPIKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.presented, keyID, secret, isNew, tt.wantKeyID, tt.wantSec, tt.wantNew)
			}
		})
	}
}

// fakeStore is an in-memory auth.Store.
type fakeStore struct {
	byKeyID map[string]*Record
	legacy  []Record
	err     error
}

func (s *fakeStore) FindActiveByKeyID(_ context.Context, keyID string) (*Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byKeyID[keyID], nil
}

func (s *fakeStore) ListActiveLegacy(_ context.Context) ([]Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.legacy, nil
}

func hashOf(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func TestAuthenticate_NewForm(t *testing.T) {
	keyID := "k1"
	store := &fakeStore{byKeyID: map[string]*Record{
		"k1": {ID: "id-1", KeyID: &keyID, KeyHash: hashOf(t, "s3cret"), IsActive: true},
	}}
	a := New(store)

	authed, err := a.Authenticate(context.Background(), "agw_k1.s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authed.APIKeyID != "id-1" {
		t.Fatalf("APIKeyID = %q, want id-1", authed.APIKeyID)
	}

	if _, err := a.Authenticate(context.Background(), "agw_k1.wrong"); err == nil {
		t.Fatal("expected wrong secret to fail")
	}
	if _, err := a.Authenticate(context.Background(), "agw_nope.s3cret"); err == nil {
		t.Fatal("expected unknown key_id to fail")
	}
}

func TestAuthenticate_Legacy(t *testing.T) {
	store := &fakeStore{legacy: []Record{
		{ID: "id-a", KeyHash: hashOf(t, "other-token"), IsActive: true},
		{ID: "id-b", KeyHash: hashOf(t, "legacytoken"), IsActive: true},
	}}
	a := New(store)

	authed, err := a.Authenticate(context.Background(), "legacytoken")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authed.APIKeyID != "id-b" {
		t.Fatalf("APIKeyID = %q, want id-b", authed.APIKeyID)
	}
}

func TestAuthenticate_FailureIsConstant401(t *testing.T) {
	a := New(&fakeStore{})

	for _, presented := range []string{"agw_missing.x", "no-such-token", "a.b"} {
		_, err := a.Authenticate(context.Background(), presented)
		var pub *apierrs.PublicError
		if !errors.As(err, &pub) {
			t.Fatalf("expected PublicError for %q, got %v", presented, err)
		}
		if pub.StatusCode != 401 || pub.Message != invalidKeyMessage {
			t.Fatalf("expected constant 401 %q, got %d %q", invalidKeyMessage, pub.StatusCode, pub.Message)
		}
	}
}

func TestAuthenticate_StoreErrorPropagates(t *testing.T) {
	wantErr := errors.New("db down")
	a := New(&fakeStore{err: wantErr})

	if _, err := a.Authenticate(context.Background(), "agw_k1.s"); !errors.Is(err, wantErr) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}
