// Package oai holds the OpenAI-compatible wire types that flow through the
// whole pipeline: hooks mutate them in place, providers translate them to
// their native protocols, and the proxy serializes them back to clients.
package oai

import (
	"encoding/json"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the chat-completions request body. Unknown fields are not
// preserved; the gateway speaks the subset every configured provider
// understands.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	N           *int            `json:"n,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	User        string          `json:"user,omitempty"`
}

// Usage is the token accounting block of a provider reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// PolicyResponse is one public policy-metadata item attached to replies.
type PolicyResponse struct {
	PolicyType string `json:"policy_type"`
	Result     any    `json:"result"`
}

// ChatResponse is the chat-completions reply, extended with the gateway's
// policy metadata and budget details.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	ControllerPolicy []PolicyResponse `json:"trussed_controller_policy,omitempty"`
	RemainingBudget  *float64         `json:"remaining_budget,omitempty"`
	SpentBudget      *float64         `json:"spent_budget,omitempty"`
}

// Chunk is one streamed chat-completions event.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// EmbeddingRequest is the embeddings request body. Input is either a string
// or a list of strings on the wire.
type EmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
	User  string          `json:"user,omitempty"`
}

// Strings decodes Input into a flat string list.
func (r *EmbeddingRequest) Strings() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, fmt.Errorf("oai: embedding input must be a string or a list of strings")
	}
	return many, nil
}

// SetStrings replaces Input with the given list, preserving the single-string
// shape when the original input was scalar.
func (r *EmbeddingRequest) SetStrings(in []string) {
	if len(in) == 1 {
		var one string
		if json.Unmarshal(r.Input, &one) == nil {
			r.Input, _ = json.Marshal(in[0])
			return
		}
	}
	r.Input, _ = json.Marshal(in)
}

// Embedding is one vector of an embeddings reply.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is the embeddings reply.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`

	ControllerPolicy []PolicyResponse `json:"trussed_controller_policy,omitempty"`
	RemainingBudget  *float64         `json:"remaining_budget,omitempty"`
	SpentBudget      *float64         `json:"spent_budget,omitempty"`
}

// UserContents returns pointers to the content of every user message so
// hooks can rewrite them in place.
func (r *ChatRequest) UserContents() []*string {
	var out []*string
	for i := range r.Messages {
		if r.Messages[i].Role == "user" {
			out = append(out, &r.Messages[i].Content)
		}
	}
	return out
}

// Stub builds a minimal single-choice response carrying a canned message,
// used by CustomResponse policy actions.
func Stub(model, content string) *ChatResponse {
	return &ChatResponse{
		Object: "chat.completion",
		Model:  model,
		Choices: []Choice{{
			Message:      &Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}
