// Package azure is the Azure OpenAI provider. Azure uses deployment-based
// URLs and the "api-key" header instead of the standard bearer scheme; the
// deployment name comes from the provider document (falling back to the
// requested model name).
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/internal/providers/oaihttp"
)

const defaultAPIVersion = "2024-12-01-preview"

type Provider struct {
	client *oaihttp.Client
}

func New(endpoint, apiKey, deployment, apiVersion string, timeout time.Duration) *Provider {
	endpoint = strings.TrimRight(endpoint, "/")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	deploymentFor := func(model string) string {
		if deployment != "" {
			return deployment
		}
		return model
	}

	return &Provider{client: oaihttp.New(oaihttp.Config{
		Name:    "azure",
		Timeout: timeout,
		Headers: map[string]string{"api-key": apiKey},
		// Model identity travels in the URL, not the body.
		OmitModel: true,
		ChatURL: func(model string) string {
			return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
				endpoint, deploymentFor(model), apiVersion)
		},
		EmbedURL: func(model string) string {
			return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
				endpoint, deploymentFor(model), apiVersion)
		},
	})}
}

func (p *Provider) Kind() string { return "Azure" }

func (p *Provider) Features() providers.Features { return providers.DefaultFeatures }

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	return p.client.Completion(ctx, req)
}

func (p *Provider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	return p.client.Embedding(ctx, req)
}
