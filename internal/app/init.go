package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/art-dzd/ai-gateway/internal/audit"
	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/auth"
	"github.com/art-dzd/ai-gateway/internal/budget"
	"github.com/art-dzd/ai-gateway/internal/cache"
	"github.com/art-dzd/ai-gateway/internal/gateway"
	"github.com/art-dzd/ai-gateway/internal/jobs"
	"github.com/art-dzd/ai-gateway/internal/metrics"
	"github.com/art-dzd/ai-gateway/internal/pricing"
	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/internal/providers/mock"
	"github.com/art-dzd/ai-gateway/internal/providers/openaicompat"
	"github.com/art-dzd/ai-gateway/internal/queue"
	"github.com/art-dzd/ai-gateway/internal/ratelimit"
	"github.com/art-dzd/ai-gateway/internal/webhook"
)

// initInfra establishes the three external connections: Redis (rate
// limiter, models cache, queues), libsql (ApiKey + Job) and ClickHouse
// (RequestLog, JobAttempt, WebhookDelivery).
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb

	if a.cfg.CeleryBrokerURL != "" && a.cfg.CeleryBrokerURL != a.cfg.RedisURL {
		broker, err := connectRedis(ctx, a.cfg.CeleryBrokerURL)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		a.broker = broker
	}

	db, err := sqlstore.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.db = db
	if err := sqlstore.Migrate(db); err != nil {
		return err
	}

	ch, err := chstore.Open(ctx, chstore.Options{
		Addr:     a.cfg.ClickHouse.Addr,
		Database: a.cfg.ClickHouse.Database,
		Username: a.cfg.ClickHouse.Username,
		Password: a.cfg.ClickHouse.Password,
	})
	if err != nil {
		return err
	}
	a.ch = ch
	if err := chstore.Migrate(ctx, ch); err != nil {
		return err
	}

	a.log.Info("infrastructure connected")
	return nil
}

// initProviders registers the two provider variants. The OpenAI-compatible
// constructor fails lazily (on first use) when credentials are missing, so
// a deployment without OPENAI_API_KEY still serves the mock provider and
// surfaces provider_not_configured only when "openai" is actually asked
// for.
func (a *App) initProviders(_ context.Context) error {
	cfg := a.cfg
	a.provs = providers.NewFactory(map[string]func() (providers.Client, error){
		"mock": func() (providers.Client, error) {
			return mock.New(), nil
		},
		"openai": func() (providers.Client, error) {
			return openaicompat.New(openaicompat.Config{
				Name:           "openai",
				APIKey:         cfg.OpenAI.APIKey,
				BaseURL:        cfg.OpenAI.BaseURL,
				TimeoutSeconds: cfg.OpenAI.TimeoutSeconds.Seconds(),
				Retries:        cfg.OpenAI.Retries,
				HTTPReferer:    cfg.OpenAI.HTTPReferer,
				Title:          cfg.OpenAI.Title,
			})
		},
	})
	return nil
}

// initServices builds everything between the connections and the HTTP
// surface: price table, metrics, audit repos, queues, and the job/webhook
// engines.
func (a *App) initServices(ctx context.Context) error {
	prices, err := pricing.LoadDefault()
	if err != nil {
		return err
	}
	a.prices = prices

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.apiKeys = sqlstore.NewApiKeyRepo(a.db)
	a.jobsRepo = sqlstore.NewJobRepo(a.db)
	a.reqlog = chstore.NewRequestLogRepo(a.ch)
	a.attempts = chstore.NewJobAttemptRepo(a.ch)
	a.deliveries = chstore.NewWebhookDeliveryRepo(a.ch)

	a.reqWriter = audit.NewRequestLogWriter(a.baseCtx, a.reqlog, a.log)

	broker := a.brokerClient()
	a.jobQ = queue.New(broker, "jobs")
	a.webhookQ = queue.New(broker, "webhooks")

	a.engine = jobs.NewEngine(a.log, a.jobsRepo, a.jobQ)
	a.worker = jobs.NewWorker(a.log, a.jobsRepo, a.attempts, a.reqlog,
		a.provs, a.prices, a.prom, a.jobQ, a.webhookQ)
	a.dispatcher = webhook.NewDispatcher(a.log, a.jobsRepo, a.deliveries,
		a.prom, a.webhookQ, a.cfg.WebhookTimeout)

	return nil
}

// initGateway wires the Sync Request Pipeline and the rest of the HTTP
// surface together.
func (a *App) initGateway(_ context.Context) error {
	a.gw = gateway.New(gateway.Options{
		Logger:          a.log,
		Auth:            auth.New(a.apiKeys),
		Limiter:         ratelimit.NewLimiter(a.rdb, a.cfg.DefaultRPMLimit),
		Budget:          budget.New(a.reqlog),
		Providers:       a.provs,
		Prices:          a.prices,
		Metrics:         a.prom,
		RequestLog:      a.reqWriter,
		ModelsCache:     cache.NewModelsCache(a.rdb),
		ModelsCacheTTL:  a.cfg.ModelsCacheTTL,
		DefaultProvider: a.cfg.DefaultProvider,
		OpenAIBaseURL:   a.cfg.OpenAI.BaseURL,
		Jobs:            a.engine,
		Ready:           a.readyProbe(),
	})
	return nil
}
