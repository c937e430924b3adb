// Package openaicompat is the generic provider for any service implementing
// the OpenAI chat completions API (vLLM, Ollama, Groq, DeepSeek, Together AI
// and the like). Custom headers from the provider document ride on every
// request, which covers self-hosted deployments behind auth proxies.
package openaicompat

import (
	"context"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/internal/providers/oaihttp"
)

type Provider struct {
	client *oaihttp.Client
}

func New(baseURL, apiKey string, headers map[string]string, timeout time.Duration) *Provider {
	baseURL = strings.TrimRight(baseURL, "/")

	all := make(map[string]string, len(headers)+1)
	if apiKey != "" {
		all["Authorization"] = "Bearer " + apiKey
	}
	for k, v := range headers {
		all[k] = v
	}

	return &Provider{client: oaihttp.New(oaihttp.Config{
		Name:    "openaicompatible",
		Timeout: timeout,
		Headers: all,
		ChatURL: func(string) string { return baseURL + "/chat/completions" },
		EmbedURL: func(string) string { return baseURL + "/embeddings" },
	})}
}

func (p *Provider) Kind() string { return "OpenAICompatible" }

func (p *Provider) Features() providers.Features { return providers.DefaultFeatures }

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	return p.client.Completion(ctx, req)
}

func (p *Provider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	return p.client.Embedding(ctx, req)
}
