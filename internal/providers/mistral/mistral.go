// Package mistral is the Mistral AI provider. The La Plateforme API speaks
// the OpenAI wire format, so requests pass through the shared raw client.
package mistral

import (
	"context"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/internal/providers/oaihttp"
)

const defaultBaseURL = "https://api.mistral.ai/v1"

type Provider struct {
	client *oaihttp.Client
}

func New(apiKey, baseURL string, timeout time.Duration) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{client: oaihttp.New(oaihttp.Config{
		Name:    "mistral",
		Timeout: timeout,
		Headers: map[string]string{"Authorization": "Bearer " + apiKey},
		ChatURL: func(string) string { return baseURL + "/chat/completions" },
		EmbedURL: func(string) string { return baseURL + "/embeddings" },
	})}
}

func (p *Provider) Kind() string { return "Mistral" }

// Mistral rejects the OpenAI tools shape for some models; tools are not
// advertised so pool selection routes tool requests elsewhere.
func (p *Provider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages, providers.FeatureStream, providers.FeatureN}
}

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	return p.client.Completion(ctx, req)
}

func (p *Provider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	return p.client.Embedding(ctx, req)
}
