package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trussedhq/trussed-gateway/internal/budget"
	"github.com/trussedhq/trussed-gateway/internal/gate"
	"github.com/trussedhq/trussed-gateway/internal/mailer"
	"github.com/trussedhq/trussed-gateway/internal/metrics"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/policy"
	"github.com/trussedhq/trussed-gateway/internal/pool"
	"github.com/trussedhq/trussed-gateway/internal/proxy"
	"github.com/trussedhq/trussed-gateway/internal/registry"
	"github.com/trussedhq/trussed-gateway/internal/sched"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
)

// initInfra opens the local databases and the optional Redis connection.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("document store opened", slog.String("path", a.cfg.Store.Path))

	bc, err := budget.OpenCache(a.cfg.Budget.CachePath, a.cfg.Budget.CacheTTL)
	if err != nil {
		return err
	}
	a.budget = bc

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the metrics registry, the usage pipeline, the provider
// registry, the gate and the policy loader.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.queue = usage.NewQueue(a.store, a.log)

	if a.cfg.ClickHouse.DSN != "" {
		ch, err := usage.OpenClickHouse(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		a.sink = ch
		a.log.Info("usage sink: clickhouse", slog.String("table", a.cfg.ClickHouse.Table))
	} else {
		a.sink = usage.NewStoreSink(a.store)
		a.log.Info("usage sink: document store")
	}

	reg, err := registry.New(a.cfg.ProviderTimeout)
	if err != nil {
		return err
	}
	a.registry = reg

	pools, err := pool.NewBuilder(a.store)
	if err != nil {
		return err
	}
	a.pools = pools

	var limiter gate.Limiter
	if a.rdb != nil {
		limiter = gate.NewRedisLimiter(a.rdb)
		a.log.Info("rate limiter: redis")
	}
	g, err := gate.New(a.store, limiter)
	if err != nil {
		return err
	}
	a.gate = g

	injection := policy.NewClassifier(a.cfg.Classify.InjectionURL, a.cfg.Classify.Timeout)
	topics := policy.NewClassifier(a.cfg.Classify.TopicsURL, a.cfg.Classify.Timeout)
	hooks, err := policy.NewLoader(a.store, injection, topics)
	if err != nil {
		return err
	}
	a.hooks = hooks

	if a.cfg.MailEnabled() {
		m, err := mailer.New(a.cfg.SMTP, a.store, a.log)
		if err != nil {
			return err
		}
		a.mail = m
		a.log.Info("mail dispatcher enabled", slog.String("host", a.cfg.SMTP.Host))
	}

	a.alerts = sched.NewAlerts(a.store, a.sink, a.log)
	a.maintainer = budget.NewMaintainer(a.store, a.budget, a.sink, a.log)

	return nil
}

// initGateway assembles the pipeline runner and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	a.runner = &pipeline.Runner{
		Store:             a.store,
		Pools:             a.pools,
		Registry:          a.registry,
		Budget:            a.budget,
		Usage:             a.queue,
		Hooks:             a.hooks.Load,
		Breakers:          pipeline.NewBreakerSet(),
		Observer:          a.prom,
		Log:               a.log,
		ResponseWithSpend: a.cfg.ResponseWithSpend,
	}

	a.server = proxy.New(a.gate, a.runner, a.prom, a.log, a.cfg.CORSOrigins)

	return nil
}
