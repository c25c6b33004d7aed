// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// requests_total{endpoint,provider,status}
	requestsTotal *prometheus.CounterVec

	// request_latency_seconds{endpoint,provider}
	requestLatency *prometheus.HistogramVec

	// jobs_total{provider,status}
	jobsTotal *prometheus.CounterVec

	// webhook_deliveries_total{status}
	webhookDeliveriesTotal *prometheus.CounterVec

	// tokens_total{provider,model,kind}
	tokensTotal *prometheus.CounterVec

	// cost_rub_total{provider,model}
	costRubTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total number of sync pipeline requests",
			},
			[]string{"endpoint", "provider", "status"},
		),

		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_latency_seconds",
				Help:    "Sync pipeline request latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint", "provider"},
		),

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Total number of job terminal outcomes",
			},
			[]string{"provider", "status"},
		),

		webhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_total",
				Help: "Total tokens consumed, by provider/model/kind",
			},
			[]string{"provider", "model", "kind"},
		),

		costRubTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cost_rub_total",
				Help: "Total computed cost in currency units, by provider/model",
			},
			[]string{"provider", "model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestLatency,
		r.jobsTotal,
		r.webhookDeliveriesTotal,
		r.tokensTotal,
		r.costRubTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RecordRequest counts one sync pipeline call and observes its latency.
func (r *Registry) RecordRequest(endpoint, provider, status string, latency time.Duration) {
	r.requestsTotal.WithLabelValues(endpoint, provider, status).Inc()
	r.requestLatency.WithLabelValues(endpoint, provider).Observe(latency.Seconds())
}

// RecordJob implements the Job Engine's terminal-status counter.
func (r *Registry) RecordJob(provider, status string) {
	r.jobsTotal.WithLabelValues(provider, status).Inc()
}

// RecordWebhookDelivery counts one webhook delivery outcome.
func (r *Registry) RecordWebhookDelivery(status string) {
	r.webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// AddTokens records prompt/completion/total token counts for one call.
func (r *Registry) AddTokens(provider, model string, promptTokens, completionTokens, totalTokens *int) {
	if promptTokens != nil {
		r.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(*promptTokens))
	}
	if completionTokens != nil {
		r.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(*completionTokens))
	}
	if totalTokens != nil {
		r.tokensTotal.WithLabelValues(provider, model, "total").Add(float64(*totalTokens))
	}
}

// AddCost records the computed cost of one call.
func (r *Registry) AddCost(provider, model string, costRub float64) {
	r.costRubTotal.WithLabelValues(provider, model).Add(costRub)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
