// Command services runs lightweight HTTP mock servers for everything the
// gateway talks to, for E2E/load testing without real credentials or models.
//
// Each service listens on its own port:
//
//	OpenAI-compatible upstream  :19001
//	Azure-ML score endpoint     :19002
//	Injection classifier        :19003
//	Topics classifier           :19004
//
// Environment overrides (PORT_<SERVICE>):
//
//	PORT_UPSTREAM, PORT_SCORE, PORT_INJECTION, PORT_TOPICS
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS  — words in streaming response (default 10)
//	MOCK_INJECTION     — substring that makes the injection classifier flag a text
//	                     (default "ignore previous instructions")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS      int
	ErrorRate      float64
	StreamWords    int
	InjectionNeedle string
}

func loadConfig() Config {
	c := Config{
		StreamWords:     10,
		InjectionNeedle: "ignore previous instructions",
	}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_INJECTION"); v != "" {
		c.InjectionNeedle = v
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock service listening", slog.String("service", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("service", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock services",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("upstream", ":"+portFromEnv("PORT_UPSTREAM", 19001), newUpstreamHandler(cfg), log),
		startServer("score", ":"+portFromEnv("PORT_SCORE", 19002), newScoreHandler(cfg), log),
		startServer("injection", ":"+portFromEnv("PORT_INJECTION", 19003), newInjectionHandler(cfg), log),
		startServer("topics", ":"+portFromEnv("PORT_TOPICS", 19004), newTopicsHandler(cfg), log),
	}

	// Print readiness
	fmt.Println("READY")

	// Wait for signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock services")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock services stopped")
}
