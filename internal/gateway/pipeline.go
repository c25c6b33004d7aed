package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/cache"
	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/internal/redact"
)

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.proxy(ctx, "responses")
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.proxy(ctx, "chat.completions")
}

// proxy is the sync request pipeline for /v1/responses and
// /v1/chat/completions: admission, wall-clock timing, provider call,
// redaction, RequestLog write, metrics, then the provider JSON with a
// meta block — or the error envelope with meta on failure. Either way
// exactly one RequestLog row records the attempt.
func (g *Gateway) proxy(ctx *fasthttp.RequestCtx, kind string) {
	ar, err := g.admit(ctx, kind)
	if err != nil {
		writeError(ctx, err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil || payload == nil {
		writeError(ctx, apierrs.New(fasthttp.StatusBadRequest, apierrs.CodeInvalidRequestFormat,
			"request body must be a JSON object", apierrs.TypeInvalidRequest))
		return
	}
	model := modelOf(payload)

	start := time.Now()
	var res *providers.Result
	client, callErr := g.provs.Get(ar.provider)
	if callErr == nil {
		if kind == "chat.completions" {
			res, callErr = client.ChatCompletions(ctx, payload)
		} else {
			res, callErr = client.Responses(ctx, payload)
		}
	}
	latencyMs := nowLatencyMs(start)

	status := "succeeded"
	httpStatus := fasthttp.StatusOK
	errCode, errText := "", ""
	var respJSON map[string]any
	var pt, ct, tt *int
	if callErr != nil {
		status = "failed"
		pub := apierrs.Map(callErr)
		httpStatus = pub.StatusCode
		errCode, errText = pub.Code, callErr.Error()
		respJSON = apierrs.Payload(pub)
		g.log.Warn("provider_error",
			"endpoint", kind,
			"provider", ar.provider,
			"code", pub.Code,
			"error", callErr.Error(),
		)
	} else {
		respJSON = res.JSON
		pt, ct, tt = res.PromptTokens, res.CompletionTokens, res.TotalTokens
	}

	cost := g.prices.Cost(model, pt, ct)

	var reqRedacted map[string]any
	if kind == "chat.completions" {
		reqRedacted = redact.ChatPayload(payload)
	} else {
		reqRedacted = redact.ResponsesPayload(payload)
	}

	requestID := uuid.NewString()
	g.logRequest(chstore.RequestLogRow{
		ID:               requestID,
		APIKeyID:         ar.key.APIKeyID,
		Kind:             kind,
		Provider:         ar.provider,
		Model:            model,
		Status:           status,
		ErrorCode:        errCode,
		ErrorText:        errText,
		PromptTokens:     pt,
		CompletionTokens: ct,
		TotalTokens:      tt,
		CostRub:          cost,
		LatencyMs:        latencyMs,
		RequestRedacted:  reqRedacted,
		ResponseRedacted: redact.ResultSummary(respJSON),
	})

	g.prom.RecordRequest(kind, ar.provider, status, time.Since(start))
	g.prom.AddTokens(ar.provider, orDash(model), pt, ct, tt)
	if cost != nil {
		f, _ := cost.Float64()
		g.prom.AddCost(ar.provider, orDash(model), f)
	}

	out := shallowCopy(respJSON)
	out["meta"] = map[string]any{
		"request_id": requestID,
		"provider":   ar.provider,
		"latency_ms": latencyMs,
		"cost_rub":   costFloat(cost),
	}
	writeJSON(ctx, httpStatus, out)
}

// handleModels is /v1/models: same admission prefix as the proxy
// endpoints, a read-through Redis cache in front of the provider, and a
// RequestLog write only on cache miss.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	ar, err := g.admit(ctx, "models")
	if err != nil {
		writeError(ctx, err)
		return
	}

	cacheKey := cache.Key(ar.provider, g.providerBaseURL(ar.provider))
	if g.modelsCache != nil {
		if data, ok := g.modelsCache.Get(ctx, cacheKey); ok {
			data["meta"] = map[string]any{"cached": true, "provider": ar.provider}
			writeJSON(ctx, fasthttp.StatusOK, data)
			return
		}
	}

	start := time.Now()
	var data map[string]any
	client, callErr := g.provs.Get(ar.provider)
	if callErr == nil {
		data, callErr = client.ListModels(ctx)
	}
	latencyMs := nowLatencyMs(start)

	status := "succeeded"
	httpStatus := fasthttp.StatusOK
	errCode, errText := "", ""
	if callErr != nil {
		status = "failed"
		pub := apierrs.Map(callErr)
		httpStatus = pub.StatusCode
		errCode, errText = pub.Code, callErr.Error()
		data = apierrs.Payload(pub)
		g.log.Warn("provider_error",
			"endpoint", "models",
			"provider", ar.provider,
			"code", pub.Code,
			"error", callErr.Error(),
		)
	}

	requestID := uuid.NewString()
	g.logRequest(chstore.RequestLogRow{
		ID:               requestID,
		APIKeyID:         ar.key.APIKeyID,
		Kind:             "models",
		Provider:         ar.provider,
		Model:            "",
		Status:           status,
		ErrorCode:        errCode,
		ErrorText:        errText,
		LatencyMs:        latencyMs,
		ResponseRedacted: redact.ResultSummary(data),
	})
	g.prom.RecordRequest("models", ar.provider, status, time.Since(start))

	out := shallowCopy(data)
	out["meta"] = map[string]any{
		"request_id": requestID,
		"provider":   ar.provider,
		"cached":     false,
	}

	if status == "succeeded" && g.modelsCache != nil {
		g.modelsCache.Set(ctx, cacheKey, out, g.modelsCacheTTL)
	}
	writeJSON(ctx, httpStatus, out)
}

// providerBaseURL reports the configured upstream base URL for provider —
// only the OpenAI-compatible provider has one to key the models cache on.
func (g *Gateway) providerBaseURL(provider string) string {
	if provider == "openai" {
		return g.openAIBaseURL
	}
	return ""
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orDash(model string) string {
	if model == "" {
		return "-"
	}
	return model
}
