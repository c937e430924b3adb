// Package proxy is the HTTP surface of the gateway: the OpenAI-compatible
// generic endpoints, the Azure-ML score endpoints and the operational
// routes, all on fasthttp.
package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/trussedhq/trussed-gateway/internal/gate"
	"github.com/trussedhq/trussed-gateway/internal/metrics"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// Version is reported by /health.
const Version = "1.0.0"

// Server serves the gateway's HTTP API.
type Server struct {
	gate    *gate.Gate
	runner  *pipeline.Runner
	metrics *metrics.Registry
	log     *slog.Logger

	corsOrigins []string

	srv *fasthttp.Server
}

// New builds a server. The metrics registry may be nil.
func New(g *gate.Gate, r *pipeline.Runner, m *metrics.Registry, log *slog.Logger, corsOrigins []string) *Server {
	return &Server{
		gate:        g,
		runner:      r,
		metrics:     m,
		log:         log,
		corsOrigins: corsOrigins,
	}
}

// Handler assembles the full routed and middleware-wrapped handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/chat/completions", s.handleChat)
	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/embeddings", s.handleEmbeddings)
	r.POST("/v1/embeddings", s.handleEmbeddings)

	r.POST("/chat/score/{model}", s.handleChatScore)
	r.POST("/prompt/score/{model}", s.handlePromptScore)
	r.POST("/embedding/score/{model}", s.handleEmbeddingScore)

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		timing,
		s.observe,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// observe records in-flight and per-route HTTP metrics around the handler.
func (s *Server) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.metrics == nil {
			next(ctx)
			return
		}
		s.metrics.IncInFlight()
		start := time.Now()
		next(ctx)
		s.metrics.DecInFlight()

		route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
		if route == "" {
			route = string(ctx.Path())
		}
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": Version})
}

// authenticate resolves the bearer key or writes the rejection.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (*store.APIKey, bool) {
	key, err := s.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		s.reject(ctx, err)
		return nil, false
	}
	return key, true
}

// reject writes the error envelope and counts the rejection.
func (s *Server) reject(ctx *fasthttp.RequestCtx, err error) {
	e := apierr.From(err)
	s.log.Warn("proxy: request rejected",
		slog.String("path", string(ctx.Path())),
		slog.String("request_id", RequestID(ctx)),
		slog.Int("status", e.HTTPCode),
		slog.String("error", e.Error()),
	)
	if s.metrics != nil {
		s.metrics.RecordRejection(e.OpenAICode)
	}
	apierr.Write(ctx, err)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
