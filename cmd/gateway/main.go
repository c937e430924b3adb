// Command gateway is the trussed LLM gateway server.
//
// It reads configuration from environment variables (or config.yaml) and
// starts a policy-enforcing, cost-accounting OpenAI-compatible proxy on the
// configured port. Providers, keys, pools, policies, budgets and alerts live
// as documents in the SQLite store.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/trussedhq/trussed-gateway/internal/app"
	"github.com/trussedhq/trussed-gateway/internal/config"
	"github.com/trussedhq/trussed-gateway/internal/logger"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "1.0.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	slogger := logger.New(cfg.LogLevel)
	slog.SetDefault(slogger)

	a, err := app.New(ctx, cfg, slogger, version)
	if err != nil {
		slogger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		slogger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
