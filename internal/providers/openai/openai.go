// Package openai is the OpenAI provider, built on the official Go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, timeout time.Duration, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Kind() string { return "OpenAI" }

func (p *Provider) Features() providers.Features { return providers.DefaultFeatures }

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	params := buildChatCompletionParams(req)

	if req.Stream {
		return p.streamCompletion(ctx, params)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}
	return &providers.Result{Response: fromSDKResponse(resp)}, nil
}

func buildChatCompletionParams(req *oai.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if req.N != nil {
		params.N = openaiSDK.Int(int64(*req.N))
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	return params
}

func fromSDKResponse(resp *openaiSDK.ChatCompletion) *oai.ChatResponse {
	out := &oai.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: oai.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, oai.Choice{
			Index: int(c.Index),
			Message: &oai.Message{
				Role:    "assistant",
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	return out
}

func (p *Provider) streamCompletion(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Result, error) {
	ch := make(chan providers.StreamItem, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			c := stream.Current()

			chunk := &oai.Chunk{
				ID:      c.ID,
				Object:  "chat.completion.chunk",
				Created: c.Created,
				Model:   c.Model,
			}
			for _, sc := range c.Choices {
				chunk.Choices = append(chunk.Choices, oai.Choice{
					Index: int(sc.Index),
					Delta: &oai.Message{
						Role:    sc.Delta.Role,
						Content: sc.Delta.Content,
					},
					FinishReason: sc.FinishReason,
				})
			}
			if c.Usage.TotalTokens > 0 {
				chunk.Usage = &oai.Usage{
					PromptTokens:     int(c.Usage.PromptTokens),
					CompletionTokens: int(c.Usage.CompletionTokens),
					TotalTokens:      int(c.Usage.TotalTokens),
				}
			}

			ch <- providers.StreamItem{Chunk: chunk}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamItem{Err: toProviderError(err)}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

// Embedding implements providers.EmbeddingProvider.
func (p *Provider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &oai.EmbeddingResponse{
		Object: "list",
		Model:  resp.Model,
		Usage: oai.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, d := range resp.Data {
		out.Data = append(out.Data, oai.Embedding{
			Object:    "embedding",
			Index:     int(d.Index),
			Embedding: d.Embedding,
		})
	}
	return out, nil
}

func toProviderError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return apierr.ProviderTyped(sdkErr.Message, sdkErr.StatusCode, sdkErr.Type, sdkErr.Code)
	}
	return apierr.Provider(fmt.Sprintf("openai: %v", err), http.StatusBadGateway)
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}
