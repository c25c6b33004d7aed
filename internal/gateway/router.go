package gateway

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Start runs the HTTP server on addr (e.g. ":8080") and blocks until the
// listener fails or Shutdown is called.
func (g *Gateway) Start(addr string) error {
	r := router.New()

	r.POST("/v1/responses", g.handleResponses)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.handleModels)
	r.POST("/v1/jobs", g.handleCreateJob)
	r.GET("/v1/jobs/{id}", g.handleGetJob)

	r.GET("/healthz", g.handleHealthz)
	r.GET("/readyz", g.handleReadyz)
	r.GET("/metrics", g.prom.Handler())

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	g.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return g.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by Start.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}
