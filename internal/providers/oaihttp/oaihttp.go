// Package oaihttp is a raw HTTP client for upstreams that already speak the
// OpenAI chat-completions wire format (Azure OpenAI, Mistral, self-hosted
// compatible endpoints). Request bodies pass through nearly verbatim;
// responses and SSE chunks decode straight into the gateway wire types.
package oaihttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// Config describes one upstream.
type Config struct {
	// Name tags error messages ("azure", "mistral", ...).
	Name string

	// ChatURL builds the chat-completions URL for a model. Required.
	ChatURL func(model string) string

	// EmbedURL builds the embeddings URL. nil marks embeddings unsupported.
	EmbedURL func(model string) string

	// Headers are set on every request (auth goes here).
	Headers map[string]string

	// OmitModel drops the model field from the body for upstreams that
	// carry the deployment in the URL.
	OmitModel bool

	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	wire := *req
	if c.cfg.OmitModel {
		wire.Model = ""
	}
	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Name, err)
	}

	resp, err := c.post(ctx, c.cfg.ChatURL(req.Model), body, req.Stream)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}

	if req.Stream {
		return c.stream(resp), nil
	}
	defer resp.Body.Close()

	var out oai.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.cfg.Name, err)
	}
	return &providers.Result{Response: &out}, nil
}

func (c *Client) Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	if c.cfg.EmbedURL == nil {
		return nil, apierr.UnsupportedFeatures("embeddings")
	}

	wire := *req
	if c.cfg.OmitModel {
		wire.Model = ""
	}
	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Name, err)
	}

	resp, err := c.post(ctx, c.cfg.EmbedURL(req.Model), body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var out oai.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.cfg.Name, err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierr.Provider(fmt.Sprintf("%s: %v", c.cfg.Name, err), http.StatusBadGateway)
	}
	return resp, nil
}

func (c *Client) stream(resp *http.Response) *providers.Result {
	ch := make(chan providers.StreamItem, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk oai.Chunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			ch <- providers.StreamItem{Chunk: &chunk}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.StreamItem{
				Err: apierr.Provider(fmt.Sprintf("%s: stream: %v", c.cfg.Name, err), http.StatusBadGateway),
			}
		}
	}()

	return &providers.Result{Stream: ch}
}

type errEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var env errEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		return apierr.ProviderTyped(env.Error.Message, resp.StatusCode, env.Error.Type, env.Error.Code)
	}

	return apierr.Provider(
		fmt.Sprintf("%s: unexpected status %d", c.cfg.Name, resp.StatusCode),
		resp.StatusCode,
	)
}
