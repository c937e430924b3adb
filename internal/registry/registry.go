// Package registry builds and caches upstream provider clients from provider
// documents. Construction is cheap but not free (SDK clients, HTTP pools), so
// built providers live in a W-TinyLFU cache keyed by document id and are
// rebuilt when the document's updated_at moves.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/internal/providers/amlscore"
	"github.com/trussedhq/trussed-gateway/internal/providers/anthropic"
	"github.com/trussedhq/trussed-gateway/internal/providers/azure"
	"github.com/trussedhq/trussed-gateway/internal/providers/bedrock"
	"github.com/trussedhq/trussed-gateway/internal/providers/gemini"
	"github.com/trussedhq/trussed-gateway/internal/providers/mistral"
	"github.com/trussedhq/trussed-gateway/internal/providers/openai"
	"github.com/trussedhq/trussed-gateway/internal/providers/openaicompat"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const (
	cacheTTL    = time.Minute
	cacheMaxLen = 1_000
)

type cached struct {
	provider  providers.Provider
	updatedAt time.Time
}

// Registry resolves provider documents into live clients.
type Registry struct {
	defaultTimeout time.Duration
	cache          *otter.Cache[string, cached]
}

func New(defaultTimeout time.Duration) (*Registry, error) {
	c, err := otter.New(&otter.Options[string, cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cached](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: create cache: %w", err)
	}
	return &Registry{defaultTimeout: defaultTimeout, cache: c}, nil
}

// Resolve returns the live provider for a document, building it on first use.
// Disabled documents resolve to an error.
func (r *Registry) Resolve(ctx context.Context, llm *store.LLM) (providers.Provider, error) {
	if llm == nil || llm.Status == store.StatusDisabled {
		return nil, apierr.UnknownProvider("disabled")
	}

	if c, ok := r.cache.GetIfPresent(llm.ID); ok && c.updatedAt.Equal(llm.UpdatedAt) {
		return c.provider, nil
	}

	p, err := r.build(ctx, llm)
	if err != nil {
		return nil, err
	}

	r.cache.Set(llm.ID, cached{provider: p, updatedAt: llm.UpdatedAt})
	return p, nil
}

func (r *Registry) build(ctx context.Context, llm *store.LLM) (providers.Provider, error) {
	timeout := llm.Timeout(r.defaultTimeout)

	switch llm.Kind {
	case store.KindOpenAI:
		o := llm.OpenAI
		if o == nil {
			return nil, missingOptions(llm)
		}
		var opts []openai.Option
		if o.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(o.BaseURL))
		}
		return openai.New(o.APIKey, timeout, opts...), nil

	case store.KindAzure:
		o := llm.Azure
		if o == nil {
			return nil, missingOptions(llm)
		}
		return azure.New(o.Endpoint, o.APIKey, o.Deployment, o.APIVersion, timeout), nil

	case store.KindBedrock:
		o := llm.Bedrock
		if o == nil {
			return nil, missingOptions(llm)
		}
		var opts []bedrock.Option
		if o.SessionToken != "" {
			opts = append(opts, bedrock.WithSessionToken(o.SessionToken))
		}
		if o.EndpointURL != "" {
			opts = append(opts, bedrock.WithEndpointURL(o.EndpointURL))
		}
		return bedrock.New(o.AccessKeyID, o.AccessKey, o.Region, timeout, opts...), nil

	case store.KindGemini:
		o := llm.Gemini
		if o == nil {
			return nil, missingOptions(llm)
		}
		return gemini.New(ctx, o.APIKey, timeout)

	case store.KindVertexAI:
		o := llm.Vertex
		if o == nil {
			return nil, missingOptions(llm)
		}
		return gemini.NewVertex(ctx, o.Project, o.Location, timeout)

	case store.KindMistral:
		o := llm.Mistral
		if o == nil {
			return nil, missingOptions(llm)
		}
		return mistral.New(o.APIKey, o.BaseURL, timeout), nil

	case store.KindAnthropic:
		o := llm.Anthropic
		if o == nil {
			return nil, missingOptions(llm)
		}
		var opts []anthropic.Option
		if o.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(o.BaseURL))
		}
		return anthropic.New(o.APIKey, timeout, opts...), nil

	case store.KindOpenAICompatible:
		o := llm.OpenAICompatible
		if o == nil {
			return nil, missingOptions(llm)
		}
		return openaicompat.New(o.BaseURL, o.APIKey, o.Headers, timeout), nil

	case store.KindAzureMLChatScore, store.KindAzureMLPromptScore, store.KindAzureMLEmbeddingScore:
		o := llm.Score
		if o == nil {
			return nil, missingOptions(llm)
		}
		cfg := amlscore.Config{
			URL:           o.URL,
			Bearer:        o.Bearer,
			Headers:       o.Headers,
			CharsPerToken: o.CharsPerToken,
			Timeout:       timeout,
		}
		switch llm.Kind {
		case store.KindAzureMLChatScore:
			return amlscore.NewChat(cfg), nil
		case store.KindAzureMLPromptScore:
			return amlscore.NewPrompt(cfg), nil
		default:
			return amlscore.NewEmbedding(cfg), nil
		}
	}

	return nil, apierr.UnknownProvider(llm.Kind)
}

// Invalidate drops a cached provider, forcing a rebuild on next resolve.
func (r *Registry) Invalidate(llmID string) {
	r.cache.Invalidate(llmID)
}

func missingOptions(llm *store.LLM) error {
	return apierr.New(fmt.Sprintf("provider %q has no %s credentials", llm.Name, llm.Kind))
}
