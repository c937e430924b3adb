// Package anthropic is the Anthropic provider, built on the official SDK.
// Chat-format requests are translated to the Messages API: system/developer
// turns collapse into the system prompt, text deltas come back as chunks.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	)

	return p
}

func (p *Provider) Kind() string { return "Anthropic" }

// The Messages API has no n parameter and its tool shapes differ from the
// chat-completions wire format, so neither is advertised.
func (p *Provider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages, providers.FeatureStream}
}

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	params := buildParams(req)

	if req.Stream {
		return p.streamCompletion(ctx, req.Model, params)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Result{Response: &oai.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []oai.Choice{{
			Message:      &oai.Message{Role: "assistant", Content: sb.String()},
			FinishReason: finishReason(string(msg.StopReason)),
		}},
		Usage: oai.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}}, nil
}

func buildParams(req *oai.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (p *Provider) streamCompletion(ctx context.Context, model string, params anthropic.MessageNewParams) (*providers.Result, error) {
	ch := make(chan providers.StreamItem, 64)

	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var (
			id      string
			created = time.Now().Unix()
		)

		emit := func(delta *oai.Message, finish string) {
			ch <- providers.StreamItem{Chunk: &oai.Chunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []oai.Choice{{Delta: delta, FinishReason: finish}},
			}}
		}

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				id = eventVariant.Message.ID
				emit(&oai.Message{Role: "assistant"}, "")
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						emit(&oai.Message{Content: deltaVariant.Text}, "")
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						emit(&oai.Message{Content: deltaVariant.Text}, "")
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					emit(&oai.Message{}, finishReason(string(eventVariant.Delta.StopReason)))
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamItem{Err: toProviderError(err)}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

func toProviderError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return apierr.ProviderTyped(sdkErr.Error(), sdkErr.StatusCode, "", "")
	}
	return apierr.Provider(fmt.Sprintf("anthropic: %v", err), http.StatusBadGateway)
}
