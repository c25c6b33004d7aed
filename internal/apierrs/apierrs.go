// Package apierrs normalizes internal/upstream failures into a stable
// PublicError — the only error shape clients ever see. Internal error
// detail never crosses the HTTP boundary unmapped.
package apierrs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/internal/providers/openaicompat"
)

// Error types surfaced in the public envelope.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeGatewayError   = "gateway_error"
	TypeUpstreamError  = "upstream_error"
)

// Error codes surfaced in the public envelope. budget_exceeded and
// rate_limited are distinct codes on purpose: clients need to tell spend
// caps from RPM pressure.
const (
	CodeUnknownProvider      = "unknown_provider"
	CodeProviderNotConfig    = "provider_not_configured"
	CodeUpstreamTimeout      = "upstream_timeout"
	CodeUpstream4xx          = "upstream_4xx"
	CodeUpstream5xx          = "upstream_5xx"
	CodeUpstreamUnreachable  = "upstream_unreachable"
	CodeProviderError        = "provider_error"
	CodeRateLimited          = "rate_limited"
	CodeBudgetExceeded       = "budget_exceeded"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeNotFound             = "not_found"
	CodeInvalidRequestFormat = "invalid_request"
)

// PublicError is the stable, client-safe error shape. Internal error
// details never reach Message.
type PublicError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

func (e *PublicError) Error() string { return e.Message }

// New builds a PublicError directly — used by callers (auth, rate limiter,
// budget enforcer) that already know the exact classification and don't
// need the generic mapping table below.
func New(status int, code, message, errType string) *PublicError {
	return &PublicError{StatusCode: status, Code: code, Message: message, Type: errType}
}

// Map classifies an arbitrary error from a provider call into a
// PublicError:
//
//	unknown provider name      → 400 unknown_provider      invalid_request_error
//	upstream not configured    → 500 provider_not_configured  gateway_error
//	upstream timeout           → 502 upstream_timeout       upstream_error
//	upstream HTTP 4xx          → 502 upstream_4xx           upstream_error
//	upstream HTTP 5xx          → 502 upstream_5xx           upstream_error
//	transport failure          → 502 upstream_unreachable   upstream_error
//	other                      → 502 provider_error         gateway_error
func Map(err error) *PublicError {
	if err == nil {
		return nil
	}

	// Already classified (auth, rate limit, budget, not-found) — pass
	// through untouched.
	var pub *PublicError
	if errors.As(err, &pub) {
		return pub
	}

	var unknown *providers.UnknownProviderError
	if errors.As(err, &unknown) {
		return New(http.StatusBadRequest, CodeUnknownProvider, "unknown provider", TypeInvalidRequest)
	}

	var notConfigured *providers.NotConfiguredError
	if errors.As(err, &notConfigured) {
		return New(http.StatusInternalServerError, CodeProviderNotConfig, "upstream provider is not configured", TypeGatewayError)
	}

	var oc *openaicompat.Error
	if errors.As(err, &oc) {
		switch {
		case oc.Timeout:
			return New(http.StatusBadGateway, CodeUpstreamTimeout, "upstream request timed out", TypeUpstreamError)
		case oc.StatusCode >= 400 && oc.StatusCode < 500:
			return New(http.StatusBadGateway, CodeUpstream4xx, "upstream returned a client error", TypeUpstreamError)
		case oc.StatusCode >= 500:
			return New(http.StatusBadGateway, CodeUpstream5xx, "upstream returned a server error", TypeUpstreamError)
		case oc.StatusCode == 0:
			return New(http.StatusBadGateway, CodeUpstreamUnreachable, "upstream is unreachable", TypeUpstreamError)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(http.StatusBadGateway, CodeUpstreamTimeout, "upstream request timed out", TypeUpstreamError)
	}

	return New(http.StatusBadGateway, CodeProviderError, "provider error", TypeGatewayError)
}

// Payload renders a PublicError as the response body JSON:
// {"error":{"code","message","type"}}.
func Payload(e *PublicError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
			"type":    e.Type,
		},
	}
}

// Envelope is the JSON-serialized form of Payload, ready to write to an
// HTTP response body.
func Envelope(e *PublicError) []byte {
	b, _ := json.Marshal(Payload(e))
	return b
}
