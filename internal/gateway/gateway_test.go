package gateway

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestProviderBaseURL(t *testing.T) {
	g := &Gateway{openAIBaseURL: "https://api.example.com"}

	if got := g.providerBaseURL("openai"); got != "https://api.example.com" {
		t.Fatalf("openai base URL = %q", got)
	}
	if got := g.providerBaseURL("mock"); got != "" {
		t.Fatalf("mock base URL = %q, want empty", got)
	}
}

func TestModelOf(t *testing.T) {
	if got := modelOf(map[string]any{"model": "gpt-x"}); got != "gpt-x" {
		t.Fatalf("modelOf = %q", got)
	}
	if got := modelOf(map[string]any{"model": 7}); got != "" {
		t.Fatalf("non-string model should yield empty, got %q", got)
	}
	if got := modelOf(nil); got != "" {
		t.Fatalf("nil payload should yield empty, got %q", got)
	}
}

func TestApplyMiddlewareOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(_ *fasthttp.RequestCtx) { order = append(order, "handler") },
		mk("outer"), mk("inner"))
	h(&fasthttp.RequestCtx{})

	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Fatalf("order = %v, want [outer inner handler]", order)
	}
}
