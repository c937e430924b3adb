package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// logBodyMax caps the request/response bytes echoed into debug logs.
const logBodyMax = 2048

func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var req oai.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.reject(ctx, apierr.Validation("Request body must be a valid JSON object"))
		return
	}
	if req.Model == "" {
		s.reject(ctx, apierr.Validation("Field required - 'model'"))
		return
	}
	if len(req.Messages) == 0 {
		s.reject(ctx, apierr.Validation("Field required - 'messages'"))
		return
	}

	s.logBody("LHS", ctx.PostBody())

	out, err := s.runner.Completion(ctx, key, &req)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	if out.Stream != nil {
		s.writeSSE(ctx, out.Stream)
		return
	}

	s.writeResponse(ctx, out.Response)
}

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var req oai.EmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.reject(ctx, apierr.Validation("Request body must be a valid JSON object"))
		return
	}
	if req.Model == "" {
		s.reject(ctx, apierr.Validation("Field required - 'model'"))
		return
	}
	if len(req.Input) == 0 {
		s.reject(ctx, apierr.Validation("Field required - 'input'"))
		return
	}

	s.logBody("LHS", ctx.PostBody())

	resp, err := s.runner.Embedding(ctx, key, &req)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	s.writeResponse(ctx, resp)
}

// writeResponse serializes v as the JSON reply, echoing it at debug.
func (s *Server) writeResponse(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		s.reject(ctx, err)
		return
	}
	s.logBody("RHS", data)
	ctx.SetBody(data)
}

// writeSSE streams chunks as server-sent events. A mid-stream provider error
// is emitted as its envelope before the [DONE] terminator; the HTTP status
// is already committed by then.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, stream <-chan providers.StreamItem) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for item := range stream {
			if item.Err != nil {
				e := apierr.From(item.Err)
				fmt.Fprintf(w, "data: %s\n\n", e.Body())
				break
			}
			data, err := json.Marshal(item.Chunk)
			if err != nil {
				s.log.Error("proxy: encode chunk", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	})
}

// logBody echoes one side of the exchange at debug. LHS is the client side,
// RHS the provider side.
func (s *Server) logBody(side string, body []byte) {
	if !s.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if len(body) > logBodyMax {
		body = body[:logBodyMax]
	}
	s.log.Debug("proxy: body",
		slog.String("side", side),
		slog.String("body", string(body)),
	)
}
