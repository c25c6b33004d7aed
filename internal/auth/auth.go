// Package auth validates presented API keys: it parses the X-API-Key
// header into (key_id, secret) or a legacy bare token, looks up the
// matching ApiKey row, and verifies the secret with a bcrypt compare.
// Keys with a key_id resolve in O(1); legacy bare tokens fall back to a
// linear scan over keys without one.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
)

const legacyPrefix = "agw_"

// invalidKeyMessage is the single constant message returned on any
// authentication failure, never leaking which half of the lookup failed.
const invalidKeyMessage = "invalid API key"

// Record is the subset of the ApiKey row the Authenticator needs.
type Record struct {
	ID               string
	KeyID            *string
	KeyHash          string
	IsActive         bool
	RPMLimit         *int
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
}

// Store is implemented by the Audit Store's ApiKey repository.
type Store interface {
	// FindActiveByKeyID returns the active key with the given key_id, or
	// (nil, nil) if none exists — O(1) lookup path.
	FindActiveByKeyID(ctx context.Context, keyID string) (*Record, error)
	// ListActiveLegacy returns all active keys with a null key_id — the
	// O(n) legacy scan path, acceptable only while the legacy set stays
	// small.
	ListActiveLegacy(ctx context.Context) ([]Record, error)
}

// AuthedKey is what a successful Authenticate call hands back to callers.
type AuthedKey struct {
	APIKeyID         string
	RPMLimit         *int
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
}

// Authenticator validates a presented API key against a Store.
type Authenticator struct {
	store Store
}

func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate splits the presented token on the first '.', strips a
// literal "agw_" prefix from the left part, and dispatches to the
// new-form O(1) lookup or the legacy O(n) scan.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*AuthedKey, error) {
	keyID, secret, isNewForm := parseAPIKey(presented)

	if isNewForm {
		rec, err := a.store.FindActiveByKeyID(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if rec != nil && bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(secret)) == nil {
			return toAuthed(rec), nil
		}
		return nil, unauthorized()
	}

	candidates, err := a.store.ListActiveLegacy(ctx)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		rec := &candidates[i]
		if bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(secret)) == nil {
			return toAuthed(rec), nil
		}
	}
	return nil, unauthorized()
}

// parseAPIKey splits a presented token:
//
//	split on first '.' -> (prefix, secret)
//	prefix starts with "agw_" -> strip it
//	both parts non-empty -> (key_id, secret, true)
//	else                 -> ("", whole_token, false)   // legacy
func parseAPIKey(presented string) (keyID, secret string, isNewForm bool) {
	idx := strings.IndexByte(presented, '.')
	if idx < 0 {
		return "", presented, false
	}
	prefix, rest := presented[:idx], presented[idx+1:]
	if strings.HasPrefix(prefix, legacyPrefix) {
		prefix = strings.TrimPrefix(prefix, legacyPrefix)
	}
	if prefix == "" || rest == "" {
		return "", presented, false
	}
	return prefix, rest, true
}

func toAuthed(rec *Record) *AuthedKey {
	return &AuthedKey{
		APIKeyID:         rec.ID,
		RPMLimit:         rec.RPMLimit,
		DailyBudgetRub:   rec.DailyBudgetRub,
		MonthlyBudgetRub: rec.MonthlyBudgetRub,
	}
}

func unauthorized() error {
	return apierrs.New(http.StatusUnauthorized, apierrs.CodeInvalidAPIKey, invalidKeyMessage, "authentication_error")
}
