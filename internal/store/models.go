package store

import (
	"time"
)

// Provider kind tags. The registry holds a constructor per kind.
const (
	KindOpenAI               = "OpenAI"
	KindAzure                = "Azure"
	KindBedrock              = "Bedrock"
	KindGemini               = "Gemini"
	KindVertexAI             = "VertexAI"
	KindMistral              = "Mistral"
	KindAnthropic            = "Anthropic"
	KindOpenAICompatible     = "OpenAICompatible"
	KindAzureMLChatScore     = "AzureMLChatScore"
	KindAzureMLPromptScore   = "AzureMLPromptScore"
	KindAzureMLEmbeddingScore = "AzureMLEmbeddingScore"
)

// Provider status values.
const (
	StatusConnected = "Connected"
	StatusPending   = "Pending"
	StatusError     = "Error"
	StatusDisabled  = "Disabled"
)

// APIKey identifies a caller. The key itself is never stored — only its
// sha256 hash and a six-character suffix for display.
type APIKey struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash"`
	KeySuffix string `json:"key_suffix"`

	LLMAccess  []string `json:"llm_access,omitempty"`
	PoolAccess []string `json:"pool_access,omitempty"`
	PolicyIDs  []string `json:"policy_ids,omitempty"`

	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	UnbudgetedUntil *time.Time `json:"unbudgeted_until,omitempty"`

	RateRequests    int    `json:"rate_requests,omitempty"`
	RatePeriod      string `json:"rate_period,omitempty"` // second | minute | hour
	MaxPromptTokens int    `json:"max_prompt_tokens,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	DevID  string   `json:"dev_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (k *APIKey) scopeList() []string { return k.Scopes }

// Rate returns the minimum inter-request interval derived from the key's
// rate limit, or zero when no limit is configured.
func (k *APIKey) Rate() time.Duration {
	if k.RateRequests <= 0 {
		return 0
	}
	var period time.Duration
	switch k.RatePeriod {
	case "second":
		period = time.Second
	case "minute":
		period = time.Minute
	case "hour":
		period = time.Hour
	default:
		return 0
	}
	return period / time.Duration(k.RateRequests)
}

// ModelEntry is one upstream model exposed by a provider document. Prices
// are per 1000 tokens.
type ModelEntry struct {
	Name        string  `json:"name"`
	Alias       string  `json:"alias"`
	PriceInput  float64 `json:"price_input"`
	PriceOutput float64 `json:"price_output"`
	Enabled     bool    `json:"enabled"`
}

// LLM is an upstream provider document: kind, credentials and model list.
type LLM struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Status string `json:"status"`

	Models []ModelEntry `json:"models,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
	Tags   []string `json:"tags,omitempty"`

	UnbudgetedUntil *time.Time `json:"unbudgeted_until,omitempty"`

	// TimeoutSeconds overrides the default upstream timeout when > 0.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	OpenAI           *OpenAIOptions `json:"openai,omitempty"`
	Azure            *AzureOptions  `json:"azure,omitempty"`
	Bedrock          *BedrockOptions `json:"bedrock,omitempty"`
	Gemini           *GeminiOptions  `json:"gemini,omitempty"`
	Vertex           *VertexOptions  `json:"vertex,omitempty"`
	Mistral          *MistralOptions `json:"mistral,omitempty"`
	Anthropic        *AnthropicOptions `json:"anthropic,omitempty"`
	OpenAICompatible *CompatOptions  `json:"openaicompatible,omitempty"`
	Score            *ScoreOptions   `json:"score,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (l *LLM) scopeList() []string { return l.Scopes }

// Timeout returns the provider timeout, falling back to def.
func (l *LLM) Timeout(def time.Duration) time.Duration {
	if l.TimeoutSeconds > 0 {
		return time.Duration(l.TimeoutSeconds * float64(time.Second))
	}
	return def
}

type OpenAIOptions struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

type AzureOptions struct {
	APIKey     string `json:"api_key"`
	Endpoint   string `json:"endpoint"`
	Deployment string `json:"deployment,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

type BedrockOptions struct {
	AccessKeyID  string `json:"access_key_id"`
	AccessKey    string `json:"access_key"`
	SessionToken string `json:"session_token,omitempty"`
	Region       string `json:"region"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
}

type GeminiOptions struct {
	APIKey string `json:"api_key"`
}

// VertexOptions configures the Vertex AI backend. Credentials come from the
// environment (Application Default Credentials), not from the document.
type VertexOptions struct {
	Project  string `json:"project"`
	Location string `json:"location,omitempty"`
}

type MistralOptions struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

type AnthropicOptions struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

type CompatOptions struct {
	APIKey  string            `json:"api_key,omitempty"`
	BaseURL string            `json:"base_url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ScoreOptions configures an Azure-ML score endpoint (chat, prompt or
// embedding flavour — the kind selects the payload mapping).
type ScoreOptions struct {
	URL     string            `json:"url"`
	Bearer  string            `json:"bearer,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// CharsPerToken drives usage estimation when the endpoint reports no
	// token counts. 0 disables estimation.
	CharsPerToken float64 `json:"chars_per_token,omitempty"`
}

// ModelRef points into a provider's model list.
type ModelRef struct {
	LLMID string `json:"llm_id"`
	Alias string `json:"alias"`
}

// Pool groups model references under one caller-visible virtual model name.
type Pool struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`

	// VirtualModelName is the model name callers request to hit this pool.
	VirtualModelName string     `json:"virtual_model_name"`
	Models           []ModelRef `json:"models,omitempty"`

	Scopes []string `json:"scopes,omitempty"`
	Tags   []string `json:"tags,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Pool) scopeList() []string { return p.Scopes }

// Policy control actions.
const (
	ActionDisabled       = "Disabled"
	ActionSanitization   = "Sanitization"
	ActionCustomResponse = "CustomResponse"
	ActionBan            = "Ban"

	ActionRedaction     = "Redaction"
	ActionAnonymization = "Anonymization"
	ActionTokenization  = "Tokenization"
)

// Policy control names, in the order they may appear in Policy.Controls.
const (
	ControlInvisibleText  = "InvisibleText"
	ControlLanguages      = "Languages"
	ControlInjection      = "Injection"
	ControlTopics         = "Topics"
	ControlPII            = "Pii"
	ControlCodeProvenance = "CodeProvenance"
)

type InvisibleTextOptions struct {
	Action string `json:"action"`
}

type LanguagesOptions struct {
	Action        string   `json:"action"`
	Languages     []string `json:"languages,omitempty"` // iso 639-1 codes
	CustomMessage string   `json:"custom_message,omitempty"`
}

type InjectionOptions struct {
	Action        string  `json:"action"`
	Threshold     float64 `json:"threshold"`
	CustomMessage string  `json:"custom_message,omitempty"`
}

type TopicSpec struct {
	Topic     string  `json:"topic"`
	Threshold float64 `json:"threshold"`
}

type TopicsOptions struct {
	Action        string      `json:"action"`
	BanTopics     []TopicSpec `json:"ban_topics,omitempty"`
	CustomMessage string      `json:"custom_message,omitempty"`
}

type PatternSpec struct {
	Entity string `json:"entity"`
	Regex  string `json:"regex"`
}

type PIIOptions struct {
	Action             string        `json:"action"`
	Entities           []string      `json:"entities,omitempty"`
	CustomPatterns     []PatternSpec `json:"custom_patterns,omitempty"`
	RedactionCharacter string        `json:"redaction_character,omitempty"`
}

type DatasetSpec struct {
	Language string `json:"language"`
	Dataset  string `json:"dataset"`
}

type CodeProvenanceOptions struct {
	Datasets     []DatasetSpec `json:"datasets,omitempty"`
	DownloadURL  string        `json:"download_url,omitempty"`
	AddFootnotes bool          `json:"add_footnotes"`
	AddMetadata  bool          `json:"add_metadata"`
	Fullscan     bool          `json:"fullscan"`
}

// Policy is a named, ordered container of content controls.
type Policy struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`

	// Controls orders the enabled controls; each named control must have its
	// options record set below.
	Controls []string `json:"controls,omitempty"`

	InvisibleText  *InvisibleTextOptions  `json:"invisible_text,omitempty"`
	Languages      *LanguagesOptions      `json:"languages,omitempty"`
	Injection      *InjectionOptions      `json:"injection,omitempty"`
	Topics         *TopicsOptions         `json:"topics,omitempty"`
	PII            *PIIOptions            `json:"pii,omitempty"`
	CodeProvenance *CodeProvenanceOptions `json:"code_provenance,omitempty"`

	Scopes []string `json:"scopes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Policy) scopeList() []string { return p.Scopes }

// Budget watch object types.
const (
	ObjectKey = "KEY"
	ObjectLLM = "LLM"
)

// Budget caps spending for exactly one watched object. (owner, object_id)
// is unique — an object has at most one budget.
type Budget struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	ObjectID   string `json:"object_id"`
	ObjectType string `json:"object_type"` // KEY | LLM

	Mode   string  `json:"mode"`   // Recurring | Expiring
	Period string  `json:"period"` // Monthly | Minutely | Custom
	Amount float64 `json:"amount"`

	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	Limited bool `json:"limited"`

	Scopes []string `json:"scopes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Budget) scopeList() []string { return b.Scopes }

// Alert threshold states.
const (
	ThresholdOk       = "Ok"
	ThresholdExceeded = "Exceeded"
)

// WatchRef names one watched object of an alert.
type WatchRef struct {
	ObjectType string `json:"object_type"` // APP | LLM
	ObjectID   string `json:"object_id"`
}

// Alert watches spending over a period-aligned window and notifies by mail
// when used exceeds the budget.
type Alert struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`

	Watch    []WatchRef `json:"watch,omitempty"`
	Period   string     `json:"period"` // Monthly | Weekly | Daily | Minutely
	Timezone string     `json:"timezone,omitempty"`

	Budget   float64 `json:"budget"`
	NotifyTo []string `json:"notify_to,omitempty"`

	Used      float64   `json:"used"`
	Threshold string    `json:"threshold"` // Ok | Exceeded
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`

	Scopes []string `json:"scopes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Alert) scopeList() []string { return a.Scopes }

// AlertLog is an append-only record of an alert firing or recycling.
type AlertLog struct {
	ID      string  `json:"id"`
	AlertID string  `json:"alert_id"`
	Name    string  `json:"name"`
	LogType string  `json:"log_type"` // Triggered | Recycled
	Used    float64 `json:"used"`
	Budget  float64 `json:"budget"`

	CreatedAt time.Time `json:"created_at"`
}

// NewAlertLog snapshots an alert into a log entry.
func NewAlertLog(a *Alert, logType string) *AlertLog {
	return &AlertLog{
		ID:        NewID(),
		AlertID:   a.ID,
		Name:      a.Name,
		LogType:   logType,
		Used:      a.Used,
		Budget:    a.Budget,
		CreatedAt: time.Now().UTC(),
	}
}

// Mail is one queued outbound message. Key deduplicates: enqueueing with an
// existing key refreshes the message instead of adding a second one.
type Mail struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Emails []string `json:"emails"`

	Subject      string         `json:"subject"`
	TemplateName string         `json:"template_name"`
	TemplateBody map[string]any `json:"template_body,omitempty"`

	SendAt   time.Time `json:"send_at"`
	Attempts int       `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
}
