// Package amlscore speaks the Azure ML online-endpoint score protocol in its
// three flavours: chat (input_data/input_string payloads), prompt (a single
// flattened prompt string) and embedding (documents in, one vector out).
//
// Score endpoints report no token counts. When the provider document sets
// chars_per_token, usage is estimated from character counts so budgets and
// alerts keep working; otherwise usage stays zero.
package amlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// Config mirrors the score block of the provider document.
type Config struct {
	URL           string
	Bearer        string
	Headers       map[string]string
	CharsPerToken float64
	Timeout       time.Duration
}

type client struct {
	cfg  Config
	http *http.Client
}

func newClient(cfg Config) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// post sends the payload and decodes the reply into out. A 200 with an
// undecodable body is still a provider failure, reported as a 400.
func (c *client) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("amlscore: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("amlscore: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Bearer)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Provider(fmt.Sprintf("amlscore: %v", err), http.StatusBadGateway)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return apierr.Provider(
			fmt.Sprintf("amlscore: unexpected status %d: %s", resp.StatusCode, truncate(raw, 256)),
			resp.StatusCode,
		)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Provider(
			fmt.Sprintf("amlscore: unexpected response: %s", truncate(raw, 256)),
			http.StatusBadRequest,
		)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// estimate converts a character count into a token estimate, rounding up.
func (c *client) estimate(chars int) int {
	if c.cfg.CharsPerToken <= 0 || chars == 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / c.cfg.CharsPerToken))
}

func generateID() string {
	return fmt.Sprintf("amlscore-%x", rand.Int63())
}

// scoreOutput is the reply envelope shared by the chat and prompt flavours.
// Some deployments answer {"output": ...}, older ones {"text": ...}.
type scoreOutput struct {
	Output string `json:"output"`
	Text   string `json:"text"`
}

func (o *scoreOutput) content() string {
	if o.Output != "" {
		return o.Output
	}
	return o.Text
}

func (c *client) chatResponse(req *oai.ChatRequest, content string) *oai.ChatResponse {
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	pt := c.estimate(promptChars)
	ct := c.estimate(len(content))

	return &oai.ChatResponse{
		ID:      generateID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []oai.Choice{{
			Message:      &oai.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: oai.Usage{
			PromptTokens:     pt,
			CompletionTokens: ct,
			TotalTokens:      pt + ct,
		},
	}
}

// ChatProvider maps chat requests onto input_data/input_string payloads.
type ChatProvider struct {
	*client
}

func NewChat(cfg Config) *ChatProvider { return &ChatProvider{newClient(cfg)} }

func (p *ChatProvider) Kind() string { return "AzureMLChatScore" }

func (p *ChatProvider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages}
}

type scoreParameters struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
}

type scoreChatPayload struct {
	InputData struct {
		InputString []oai.Message    `json:"input_string"`
		Parameters  *scoreParameters `json:"parameters,omitempty"`
	} `json:"input_data"`
}

func (p *ChatProvider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	var payload scoreChatPayload
	for _, m := range req.Messages {
		switch m.Role {
		case "user", "assistant", "system":
			payload.InputData.InputString = append(payload.InputData.InputString, m)
		}
	}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		payload.InputData.Parameters = &scoreParameters{
			Temperature:  req.Temperature,
			MaxNewTokens: req.MaxTokens,
			TopP:         req.TopP,
		}
	}

	var out scoreOutput
	if err := p.post(ctx, &payload, &out); err != nil {
		return nil, err
	}

	return &providers.Result{Response: p.chatResponse(req, out.content())}, nil
}

// PromptProvider flattens the conversation into a single prompt string.
type PromptProvider struct {
	*client
}

func NewPrompt(cfg Config) *PromptProvider { return &PromptProvider{newClient(cfg)} }

func (p *PromptProvider) Kind() string { return "AzureMLPromptScore" }

func (p *PromptProvider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages}
}

type scorePromptPayload struct {
	Prompt string `json:"prompt"`
}

func (p *PromptProvider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}

	var out scoreOutput
	if err := p.post(ctx, &scorePromptPayload{Prompt: strings.Join(parts, " ")}, &out); err != nil {
		return nil, err
	}

	return &providers.Result{Response: p.chatResponse(req, out.content())}, nil
}

// EmbeddingProvider maps embeddings input to a documents payload. The
// endpoint answers with a single bare vector.
type EmbeddingProvider struct {
	*client
}

func NewEmbedding(cfg Config) *EmbeddingProvider { return &EmbeddingProvider{newClient(cfg)} }

func (p *EmbeddingProvider) Kind() string { return "AzureMLEmbeddingScore" }

func (p *EmbeddingProvider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages}
}

// Completion is unsupported on embedding score endpoints.
func (p *EmbeddingProvider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	return nil, apierr.UnsupportedFeatures("messages")
}

type scoreEmbeddingPayload struct {
	Documents json.RawMessage `json:"documents"`
}

func (p *EmbeddingProvider) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	var vector []float64
	if err := p.post(ctx, &scoreEmbeddingPayload{Documents: req.Input}, &vector); err != nil {
		return nil, err
	}

	inputs, _ := req.Strings()
	chars := 0
	for _, s := range inputs {
		chars += len(s)
	}
	pt := p.estimate(chars)

	return &oai.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data: []oai.Embedding{{
			Object:    "embedding",
			Index:     0,
			Embedding: vector,
		}},
		Usage: oai.Usage{PromptTokens: pt, TotalTokens: pt},
	}, nil
}
