// Package usage defines the per-request usage record, the durable local
// queue it is staged in, and the analytics sinks it is flushed to.
//
// Records are enqueued synchronously on the request path (one SQLite insert)
// and drained in batches by a background consumer, so a slow or unavailable
// analytics backend never blocks request handling.
package usage

import (
	"time"
)

// PolicyEvent records one hook firing during one request.
type PolicyEvent struct {
	Policy   string   `json:"policy"`
	Action   string   `json:"action"`
	Priority int      `json:"priority"`
	Samples  []string `json:"samples,omitempty"`
}

// ErrorInfo embeds the terminal error into a usage record.
type ErrorInfo struct {
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	HTTPCode   int    `json:"http_code,omitempty"`
	IsInternal bool   `json:"is_internal,omitempty"`
}

// Metadata ties a record to the caller and the selected model.
type Metadata struct {
	Owner    string   `json:"owner,omitempty"`
	KeyID    string   `json:"key_id,omitempty"`
	LLMID    string   `json:"llm_id,omitempty"`
	PoolID   string   `json:"pool_id,omitempty"`
	Model    string   `json:"model,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	DevID    string   `json:"dev_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Record is the append-only per-request outcome row.
type Record struct {
	ID             string  `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs float64 `json:"response_time_ms"`

	IsError   bool       `json:"is_error,omitempty"`
	IsWarning bool       `json:"is_warning,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`

	Metadata Metadata `json:"metadata"`

	PolicyEvents []PolicyEvent `json:"policy_events,omitempty"`
	PolicyDigest string        `json:"policy_digest,omitempty"`
	PolicyCount  int           `json:"policy_count,omitempty"`

	IsStream bool `json:"is_stream,omitempty"`
}

// SetModelUsage fills the token counts and derives costs from per-1000-token
// prices.
func (r *Record) SetModelUsage(promptTokens, completionTokens int, priceInput, priceOutput float64) {
	r.PromptTokens = promptTokens
	r.CompletionTokens = completionTokens
	r.TotalTokens = promptTokens + completionTokens
	r.PromptCost = float64(promptTokens) * priceInput / 1000
	r.CompletionCost = float64(completionTokens) * priceOutput / 1000
	r.TotalCost = r.PromptCost + r.CompletionCost
}

// SetError marks the record failed and embeds the error payload.
func (r *Record) SetError(message, errType string, httpCode int, internal bool) {
	r.IsError = true
	r.Error = &ErrorInfo{
		Message:    message,
		Type:       errType,
		HTTPCode:   httpCode,
		IsInternal: internal,
	}
}
