// Package gateway is the synchronous request pipeline plus the whole HTTP
// surface: /v1/responses, /v1/chat/completions, /v1/models, /v1/jobs,
// /v1/jobs/{id}, /healthz, /readyz, /metrics.
//
// Every proxied call runs the same pipeline: auth -> rate limit -> budget
// -> provider -> redact -> audit -> metrics.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/audit"
	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/auth"
	"github.com/art-dzd/ai-gateway/internal/budget"
	"github.com/art-dzd/ai-gateway/internal/cache"
	"github.com/art-dzd/ai-gateway/internal/jobs"
	"github.com/art-dzd/ai-gateway/internal/metrics"
	"github.com/art-dzd/ai-gateway/internal/pricing"
	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/pkg/apierr"
)

// Options configures a Gateway.
type Options struct {
	Logger          *slog.Logger
	Auth            *auth.Authenticator
	Limiter         rateLimiter
	Budget          budgetEnforcer
	Providers       *providers.Factory
	Prices          *pricing.Table
	Metrics         *metrics.Registry
	RequestLog      *audit.RequestLogWriter
	ModelsCache     *cache.ModelsCache
	ModelsCacheTTL  time.Duration
	DefaultProvider string
	OpenAIBaseURL   string
	Jobs            *jobs.Engine
	CORSOrigins     []string
	Ready           func() bool
}

// rateLimiter and budgetEnforcer are narrow interfaces over
// internal/ratelimit.Limiter and internal/budget.Enforcer, kept local so
// tests can substitute fakes without importing Redis/ClickHouse.
type rateLimiter interface {
	Allow(ctx context.Context, apiKeyID, endpoint string, perKeyLimit *int) error
}

type budgetEnforcer interface {
	Enforce(ctx context.Context, apiKeyID string, limits budget.Limits) error
}

// Gateway composes the Sync Request Pipeline's dependencies and exposes the
// full HTTP surface.
type Gateway struct {
	log             *slog.Logger
	auth            *auth.Authenticator
	limiter         rateLimiter
	budget          budgetEnforcer
	provs           *providers.Factory
	prices          *pricing.Table
	prom            *metrics.Registry
	reqLog          *audit.RequestLogWriter
	modelsCache     *cache.ModelsCache
	modelsCacheTTL  time.Duration
	defaultProvider string
	openAIBaseURL   string
	jobs            *jobs.Engine
	corsOrigins     []string
	ready           func() bool
	srv             *fasthttp.Server
}

func New(opts Options) *Gateway {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Gateway{
		log:             opts.Logger,
		auth:            opts.Auth,
		limiter:         opts.Limiter,
		budget:          opts.Budget,
		provs:           opts.Providers,
		prices:          opts.Prices,
		prom:            opts.Metrics,
		reqLog:          opts.RequestLog,
		modelsCache:     opts.ModelsCache,
		modelsCacheTTL:  opts.ModelsCacheTTL,
		defaultProvider: opts.DefaultProvider,
		openAIBaseURL:   opts.OpenAIBaseURL,
		jobs:            opts.Jobs,
		corsOrigins:     opts.CORSOrigins,
		ready:           ready,
	}
}

// authedRequest bundles everything the pipeline's post-auth steps need.
type authedRequest struct {
	key      *auth.AuthedKey
	provider string
}

// admit runs auth -> rate limit (by endpoint) -> budget enforce, the
// shared admission prefix of every authenticated endpoint.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, endpoint string) (*authedRequest, error) {
	presented := string(ctx.Request.Header.Peek("X-API-Key"))
	if presented == "" {
		return nil, apierrs.New(fasthttp.StatusUnauthorized, apierrs.CodeInvalidAPIKey, "invalid API key", "authentication_error")
	}

	key, err := g.auth.Authenticate(ctx, presented)
	if err != nil {
		return nil, err
	}

	if err := g.limiter.Allow(ctx, key.APIKeyID, endpoint, key.RPMLimit); err != nil {
		return nil, err
	}

	if err := g.budget.Enforce(ctx, key.APIKeyID, budget.Limits{
		DailyBudgetRub:   key.DailyBudgetRub,
		MonthlyBudgetRub: key.MonthlyBudgetRub,
	}); err != nil {
		return nil, err
	}

	provider := string(ctx.Request.Header.Peek("X-Provider"))
	if provider == "" {
		provider = g.defaultProvider
	}

	return &authedRequest{key: key, provider: provider}, nil
}

func modelOf(payload map[string]any) string {
	if m, ok := payload["model"].(string); ok {
		return m
	}
	return ""
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":{"message":"internal server error","type":"gateway_error","code":"provider_error"}}`)
		return
	}
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	pub := apierrs.Map(err)
	apierr.Write(ctx, pub.StatusCode, pub.Code, pub.Message, pub.Type)
}

func nowLatencyMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// costFloat renders a computed cost for the response meta: a JSON number,
// or nil when the cost is unknown.
func costFloat(cost *decimal.Decimal) any {
	if cost == nil {
		return nil
	}
	f, _ := cost.Float64()
	return f
}

// logRequest enqueues the RequestLog row for one sync-pipeline call onto
// the async writer. The row's ID doubles as meta.request_id, so callers
// generate it up front.
func (g *Gateway) logRequest(row chstore.RequestLogRow) {
	row.CreatedAt = time.Now().UTC()
	g.reqLog.Write(row)
}
