package gateway

import "github.com/valyala/fasthttp"

// handleHealthz reports liveness: the process is up.
func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the Ready probe (DB + Redis
// connectivity, wired in by the app) must pass.
func (g *Gateway) handleReadyz(ctx *fasthttp.RequestCtx) {
	if g.ready() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}
