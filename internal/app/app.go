// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — document store, budget cache, Redis when configured
//  2. initServices — metrics, usage queue + sink, registry, gate, policies, mail
//  3. initGateway  — pipeline runner + HTTP server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/trussedhq/trussed-gateway/internal/budget"
	"github.com/trussedhq/trussed-gateway/internal/config"
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

// Background loop cadences.
const (
	recycleEvery  = time.Minute
	watchEvery    = 10 * time.Second
	budgetEvery   = 10 * time.Second
	mailEvery     = 10 * time.Second
	consumeEvery  = 2 * time.Second
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *usage.CHSink

	store  *store.Store
	budget *budget.Cache

	prom  *metrics.Registry
	queue *usage.Queue
	sink  usage.Sink

	registry   *registry.Registry
	pools      *pool.Builder
	gate       *gate.Gate
	hooks      *policy.Loader
	mail       *mailer.Mailer
	alerts     *sched.Alerts
	maintainer *budget.Maintainer

	runner *pipeline.Runner
	server *proxy.Server
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

// Run starts the HTTP server and the background loops, blocking until ctx is
// cancelled or a subsystem fails. The app is closed on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("clickhouse", a.chSink != nil),
		slog.Bool("mail", a.mail != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(addr)
	})

	g.Go(func() error {
		return sched.Run(gctx, a.log, "alert-recycler", recycleEvery, a.alerts.Recycle)
	})
	g.Go(func() error {
		return sched.Run(gctx, a.log, "alert-watchdog", watchEvery, a.alerts.Watch)
	})
	g.Go(func() error {
		return sched.Run(gctx, a.log, "budget-maintainer", budgetEvery, a.maintainer.RunOnce)
	})
	g.Go(func() error {
		return sched.Run(gctx, a.log, "usage-consumer", consumeEvery, a.consumeUsage)
	})
	if a.mail != nil {
		g.Go(func() error {
			return sched.Run(gctx, a.log, "mail-dispatcher", mailEvery, a.mail.DispatchOnce)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeUsage drains the staging queue into the sink and refreshes the
// queue-depth gauge.
func (a *App) consumeUsage(ctx context.Context) error {
	if err := a.queue.ConsumeAll(ctx, a.sink); err != nil {
		return err
	}
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return err
	}
	a.prom.SetUsageQueueDepth(depth)
	return nil
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.budget != nil {
		if err := a.budget.Close(); err != nil {
			a.log.Error("budget cache close error", slog.String("error", err.Error()))
		}
		a.budget = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

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
