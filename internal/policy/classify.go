package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default classifier call timeout.
const defaultClassifyTimeout = 5 * time.Second

// Classification labels produced by the injection scorer.
const (
	labelSafe      = "SAFE"
	labelInjection = "INJECTION"
)

// Classifier calls a remote scoring service over JSON/HTTP. The injection
// endpoint labels texts SAFE/INJECTION with a confidence; the topics endpoint
// scores a text against an arbitrary label list (zero-shot).
type Classifier struct {
	url  string
	http *http.Client
}

// NewClassifier binds one scoring endpoint. An empty URL yields a client
// whose Ready() is false; hooks built on it report themselves not ready.
func NewClassifier(url string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	return &Classifier{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Ready reports whether the endpoint is configured.
func (c *Classifier) Ready() bool { return c != nil && c.url != "" }

// Label is one scored classification result.
type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify scores each text independently and returns one label per text,
// in input order.
func (c *Classifier) Classify(ctx context.Context, texts []string) ([]Label, error) {
	body := struct {
		Texts []string `json:"texts"`
	}{Texts: texts}

	var reply struct {
		Results []Label `json:"results"`
	}
	if err := c.post(ctx, body, &reply); err != nil {
		return nil, err
	}
	if len(reply.Results) != len(texts) {
		return nil, fmt.Errorf("classify: got %d results for %d texts", len(reply.Results), len(texts))
	}
	return reply.Results, nil
}

// ZeroShotResult pairs each candidate label with its score.
type ZeroShotResult struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// ZeroShot scores text against the candidate labels with multi-label
// semantics: each score is independent of the others.
func (c *Classifier) ZeroShot(ctx context.Context, text string, labels []string) (*ZeroShotResult, error) {
	body := struct {
		Text       string   `json:"text"`
		Labels     []string `json:"labels"`
		MultiLabel bool     `json:"multi_label"`
	}{Text: text, Labels: labels, MultiLabel: true}

	var reply ZeroShotResult
	if err := c.post(ctx, body, &reply); err != nil {
		return nil, err
	}
	if len(reply.Labels) != len(reply.Scores) {
		return nil, fmt.Errorf("classify: mismatched labels/scores lengths")
	}
	return &reply, nil
}

func (c *Classifier) post(ctx context.Context, body, reply any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("classify: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("classify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("classify: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classify: %s returned %d", c.url, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("classify: decode response: %w", err)
	}
	return nil
}
