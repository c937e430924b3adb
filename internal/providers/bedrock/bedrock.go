// Package bedrock is the AWS Bedrock provider, speaking the Converse API
// with SigV4 request signing. Credentials come from the provider document;
// temporary STS credentials ride in as a session token.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const (
	service   = "bedrock"
	algorithm = "AWS4-HMAC-SHA256"
)

type Provider struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string
	client       *http.Client
}

type Option func(*Provider)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(p *Provider) { p.sessionToken = token }
}

// WithEndpointURL overrides the regional runtime endpoint (local mocks).
func WithEndpointURL(u string) Option {
	return func(p *Provider) { p.endpointURL = strings.TrimRight(u, "/") }
}

func New(accessKey, secretKey, region string, timeout time.Duration, opts ...Option) *Provider {
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	p := &Provider{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		client:    &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Kind() string { return "Bedrock" }

// Converse has no n parameter and its tool shapes do not round-trip.
func (p *Provider) Features() providers.Features {
	return providers.Features{providers.FeatureMessages, providers.FeatureStream}
}

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemContent   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type systemContent struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

func buildConverseRequest(req *oai.ChatRequest) converseRequest {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			systemTexts = append(systemTexts, systemContent{Text: m.Content})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			msgs = append(msgs, converseMessage{
				Role:    role,
				Content: []contentBlock{{Text: m.Content}},
			})
		}
	}

	cr := converseRequest{
		Messages: msgs,
		System:   systemTexts,
	}

	if req.MaxTokens != nil || req.Temperature != nil || req.TopP != nil {
		cr.InferenceConfig = &inferenceConfig{
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}
		if req.MaxTokens != nil {
			cr.InferenceConfig.MaxTokens = *req.MaxTokens
		}
	}

	return cr
}

func (p *Provider) Completion(ctx context.Context, req *oai.ChatRequest) (*providers.Result, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	if req.Stream {
		return p.streamCompletion(ctx, req.Model, payload)
	}

	resp, err := p.post(ctx, p.converseEndpoint(req.Model, false), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var sb strings.Builder
	for _, b := range cr.Output.Message.Content {
		sb.WriteString(b.Text)
	}

	return &providers.Result{Response: &oai.ChatResponse{
		ID:      generateID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []oai.Choice{{
			Message:      &oai.Message{Role: "assistant", Content: sb.String()},
			FinishReason: finishReason(cr.StopReason),
		}},
		Usage: oai.Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
	}}, nil
}

type streamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

func (p *Provider) streamCompletion(ctx context.Context, model string, payload []byte) (*providers.Result, error) {
	resp, err := p.post(ctx, p.converseEndpoint(model, true), payload)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	ch := make(chan providers.StreamItem, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var (
			id      = generateID()
			created = time.Now().Unix()
		)

		emit := func(text, finish string) {
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				emit(ev.ContentBlockDelta.Delta.Text, "")
			}
			if ev.MessageStop != nil {
				emit("", finishReason(ev.MessageStop.StopReason))
			}
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

func generateID() string {
	return fmt.Sprintf("bedrock-%x", rand.Int63())
}

func (p *Provider) post(ctx context.Context, endpoint string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Provider(fmt.Sprintf("bedrock: %v", err), http.StatusBadGateway)
	}
	return resp, nil
}

func (p *Provider) converseEndpoint(modelID string, stream bool) string {
	op := "converse"
	if stream {
		op = "converse-stream"
	}
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/%s", p.endpointURL, modelID, op)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s", p.region, modelID, op)
}

func (p *Provider) signRequest(req *http.Request, payload []byte) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if p.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", p.sessionToken)
		signedHeaders += ";x-amz-security-token"
		canonicalHeaders += fmt.Sprintf("x-amz-security-token:%s\n", p.sessionToken)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		sha256Hex(payload),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, p.region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(p.secretKey, datestamp, p.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, p.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return apierr.ProviderTyped(be.Message, resp.StatusCode, be.Type, "")
	}

	return apierr.Provider(
		fmt.Sprintf("bedrock: unexpected status %d", resp.StatusCode),
		resp.StatusCode,
	)
}
