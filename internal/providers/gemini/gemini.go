// Package gemini is the Google Gemini provider, built on the official GenAI
// SDK. Assistant turns map to the model role, system/developer turns collapse
// into the system instruction.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const defaultVertexLocation = "us-central1"

type Provider struct {
	kind   string
	client *genai.Client
}

// New builds the provider and its SDK client. A construction failure surfaces
// here so the registry never caches a nil provider.
func New(ctx context.Context, apiKey string, timeout time.Duration) (*Provider, error) {
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	return &Provider{kind: "Gemini", client: client}, nil
}

// NewVertex builds the same provider against the Vertex AI backend.
// Authentication goes through Application Default Credentials, so no API key
// is carried in the provider document.
func NewVertex(ctx context.Context, project, location string, timeout time.Duration) (*Provider, error) {
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	if location == "" {
		location = defaultVertexLocation
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:    project,
		Location:   location,
		Backend:    genai.BackendVertexAI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: client: %w", err)
	}

	return &Provider{kind: "VertexAI", client: client}, nil
}

func (p *Provider) Kind() string { return p.kind }

// Candidate counts and tool declarations do not round-trip through the
// chat-completions wire shapes, so only messages and streaming are advertised.
func (p *Provider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages, providers.FeatureStream}
}

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.streamCompletion(ctx, req.Model, contents, cfg)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := generateID()
	if resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	usage := oai.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &providers.Result{Response: &oai.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []oai.Choice{{
			Message:      &oai.Message{Role: "assistant", Content: out},
			FinishReason: "stop",
		}},
		Usage: usage,
	}}, nil
}

func buildContentsAndConfig(req *oai.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	ensure := func() *genai.GenerateContentConfig {
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}
		return cfg
	}

	if systemPrompt != "" {
		ensure().SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		ensure().Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		ensure().TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		ensure().MaxOutputTokens = int32(*req.MaxTokens)
	}

	return contents, cfg
}

func (p *Provider) streamCompletion(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	ch := make(chan providers.StreamItem, 64)

	go func() {
		defer close(ch)

		var (
			id      = generateID()
			created = time.Now().Unix()
		)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamItem{Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			if resp.ResponseID != "" {
				id = resp.ResponseID
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = "stop"
				if c.FinishReason == genai.FinishReasonMaxTokens {
					finish = "length"
				}
			}

			if text == "" && finish == "" {
				continue
			}
			ch <- providers.StreamItem{Chunk: &oai.Chunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []oai.Choice{{
					Delta:        &oai.Message{Content: text},
					FinishReason: finish,
				}},
			}}
		}
	}()

	return &providers.Result{Stream: ch}, nil
}

// Embedding implements providers.EmbeddingProvider. All inputs go out in one
// batched EmbedContent call.
func (p *Provider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}

	contents := make([]*genai.Content, len(inputs))
	for i, text := range inputs {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, apierr.Provider("gemini: empty embedding response", http.StatusBadGateway)
	}

	out := &oai.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
	}
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out.Data = append(out.Data, oai.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		})
	}
	return out, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apierr.ProviderTyped(apiErr.Message, apiErr.Code, apiErr.Status, "")
	}
	return apierr.Provider(fmt.Sprintf("gemini: %v", err), http.StatusBadGateway)
}
