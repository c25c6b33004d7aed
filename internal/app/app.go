// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra — external connections (Redis, libsql, ClickHouse)
//  2. initProviders — provider client factory
//  3. initServices — price table, metrics, audit repos, queues, engines
//  4. initGateway — HTTP surface
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/art-dzd/ai-gateway/internal/audit"
	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/config"
	"github.com/art-dzd/ai-gateway/internal/gateway"
	"github.com/art-dzd/ai-gateway/internal/jobs"
	"github.com/art-dzd/ai-gateway/internal/metrics"
	"github.com/art-dzd/ai-gateway/internal/pricing"
	"github.com/art-dzd/ai-gateway/internal/providers"
	"github.com/art-dzd/ai-gateway/internal/queue"
	"github.com/art-dzd/ai-gateway/internal/webhook"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb    *redis.Client
	broker *redis.Client // nil when the job broker shares rdb
	db     *sql.DB
	ch     driver.Conn

	prices    *pricing.Table
	prom      *metrics.Registry
	reqWriter *audit.RequestLogWriter
	provs     *providers.Factory

	apiKeys    *sqlstore.ApiKeyRepo
	jobsRepo   *sqlstore.JobRepo
	reqlog     *chstore.RequestLogRepo
	attempts   *chstore.JobAttemptRepo
	deliveries *chstore.WebhookDeliveryRepo

	jobQ     *queue.Queue
	webhookQ *queue.Queue

	engine     *jobs.Engine
	worker     *jobs.Worker
	dispatcher *webhook.Dispatcher
	gw         *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the job worker and the webhook dispatcher,
// and blocks until ctx is cancelled or a member fails. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("default_provider", a.cfg.DefaultProvider),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times.
func (a *App) Close() {
	if a.reqWriter != nil {
		if err := a.reqWriter.Close(); err != nil {
			a.log.Error("request log writer close error", slog.String("error", err.Error()))
		}
		a.reqWriter = nil
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.ch = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("db close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Error("broker close error", slog.String("error", err.Error()))
		}
		a.broker = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// readyProbe is the /readyz check: DB and Redis both reachable.
func (a *App) readyProbe() func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(a.baseCtx, time.Second)
		defer cancel()
		if err := a.db.PingContext(ctx); err != nil {
			return false
		}
		return a.rdb.Ping(ctx).Err() == nil
	}
}

// brokerClient is the Redis connection the job/webhook queues live on:
// CELERY_BROKER_URL when it names a separate instance, the shared client
// otherwise.
func (a *App) brokerClient() *redis.Client {
	if a.broker != nil {
		return a.broker
	}
	return a.rdb
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
