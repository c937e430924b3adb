// Package apierr defines the gateway error taxonomy and its OpenAI-format
// HTTP envelope.
//
// Every error that can reach a client is an *Error carrying the HTTP status,
// the OpenAI `type` and `code` fields, and a message prefix that tells the
// caller whether the failure originated in the gateway itself (TC_ERROR) or
// in the upstream provider (TC_PROVIDER_ERROR).
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Message prefixes distinguishing gateway-origin from upstream-origin errors.
const (
	PrefixGateway  = "TC_ERROR: "
	PrefixProvider = "TC_PROVIDER_ERROR: "
)

// OpenAI error type constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypePoisonedPrompt    = "poisoned_prompt"
	TypeServerError       = "server_error"
)

// OpenAI error code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeExpiredAPIKey       = "expired_api_key"
	CodeBudgetExceeded      = "configured_budget_exceeded"
	CodePromptLimitExceeded = "configured_prompt_limit_exceeded"
	CodeModelNotFound       = "model_not_found"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvisibleText       = "invisible_text"
	CodeUnallowedLanguage   = "unallowed_language"
	CodePromptInjection     = "prompt_injection"
	CodeForbiddenTopic      = "forbidden_topic"
	CodeInternalError       = "internal_error"
)

// Error is the structured gateway error.
type Error struct {
	Message    string
	HTTPCode   int
	OpenAIType string
	OpenAICode string
	Prefix     string
	Headers    map[string]string
	Internal   bool
}

func (e *Error) Error() string { return e.Prefix + e.Message }

// HTTPStatus reports the status to return to the client.
func (e *Error) HTTPStatus() int { return e.HTTPCode }

// IsProvider reports whether the error originated upstream.
func (e *Error) IsProvider() bool { return e.Prefix == PrefixProvider }

// New returns a generic gateway error (500 invalid_request_error unless
// overridden by the caller).
func New(message string) *Error {
	return &Error{
		Message:    message,
		HTTPCode:   fasthttp.StatusInternalServerError,
		OpenAIType: TypeInvalidRequest,
		Prefix:     PrefixGateway,
	}
}

// Provider wraps an upstream failure, preserving its HTTP status.
func Provider(message string, httpCode int) *Error {
	if httpCode == 0 {
		httpCode = fasthttp.StatusBadRequest
	}
	return &Error{
		Message:    message,
		HTTPCode:   httpCode,
		OpenAIType: TypeInvalidRequest,
		Prefix:     PrefixProvider,
	}
}

// ProviderTyped is Provider with explicit OpenAI type/code fields, used by
// the per-provider error normalizers.
func ProviderTyped(message string, httpCode int, openaiType, openaiCode string) *Error {
	e := Provider(message, httpCode)
	if openaiType != "" {
		e.OpenAIType = openaiType
	}
	e.OpenAICode = openaiCode
	return e
}

func InvalidAPIKey(message string) *Error {
	if message == "" {
		message = "Incorrect API key provided"
	}
	return &Error{
		Message:    message,
		HTTPCode:   fasthttp.StatusUnauthorized,
		OpenAIType: TypeAuthenticationErr,
		OpenAICode: CodeInvalidAPIKey,
		Prefix:     PrefixGateway,
	}
}

func ExpiredAPIKey() *Error {
	return &Error{
		Message:    "The API key has expired",
		HTTPCode:   fasthttp.StatusUnauthorized,
		OpenAIType: TypeAuthenticationErr,
		OpenAICode: CodeExpiredAPIKey,
		Prefix:     PrefixGateway,
	}
}

// UnbudgetedKey rejects a key suspended until its budget window reopens.
func UnbudgetedKey(delta time.Duration) *Error {
	return unbudgeted("The API key", delta)
}

// UnbudgetedModel rejects a provider suspended until its budget window reopens.
func UnbudgetedModel(delta time.Duration) *Error {
	return unbudgeted("The model", delta)
}

func unbudgeted(subject string, delta time.Duration) *Error {
	return &Error{
		Message:    fmt.Sprintf("%s is suspended for %s by the configured budget", subject, delta.Round(time.Second)),
		HTTPCode:   fasthttp.StatusTooManyRequests,
		OpenAIType: TypeRateLimitError,
		OpenAICode: CodeBudgetExceeded,
		Prefix:     PrefixGateway,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(int(delta.Seconds()) + 1)},
	}
}

func PromptLimit(limit int) *Error {
	return &Error{
		Message:    fmt.Sprintf("The prompt exceeds the configured limit of %d tokens", limit),
		HTTPCode:   fasthttp.StatusBadRequest,
		OpenAIType: TypeInvalidRequest,
		OpenAICode: CodePromptLimitExceeded,
		Prefix:     PrefixGateway,
	}
}

func UnlistedModel(model string, known []string) *Error {
	msg := fmt.Sprintf("The model %q does not exist", model)
	if len(known) > 0 {
		msg = fmt.Sprintf("The model %q does not exist. Known models: %v", model, known)
	}
	return &Error{
		Message:    msg,
		HTTPCode:   fasthttp.StatusNotFound,
		OpenAIType: TypeInvalidRequest,
		OpenAICode: CodeModelNotFound,
		Prefix:     PrefixGateway,
	}
}

func UnknownProvider(provider string) *Error {
	return &Error{
		Message:    fmt.Sprintf("Unknown provider %q", provider),
		HTTPCode:   fasthttp.StatusNotFound,
		OpenAIType: TypeInvalidRequest,
		OpenAICode: CodeModelNotFound,
		Prefix:     PrefixGateway,
	}
}

func UnsupportedFeatures(features ...string) *Error {
	return &Error{
		Message:    fmt.Sprintf("No configured model supports the requested features %v", features),
		HTTPCode:   fasthttp.StatusNotFound,
		OpenAIType: TypeInvalidRequest,
		OpenAICode: CodeModelNotFound,
		Prefix:     PrefixGateway,
	}
}

// TooManyRequests rejects a request over the per-key rate and tells the
// client when to retry.
func TooManyRequests(rateRequests int, ratePeriod string, retryAfter time.Duration) *Error {
	secs := int(retryAfter.Seconds())
	if retryAfter > 0 && secs == 0 {
		secs = 1
	}
	return &Error{
		Message: fmt.Sprintf(
			"Rate limit of %d per %s reached, retry after %d seconds",
			rateRequests, ratePeriod, secs,
		),
		HTTPCode:   fasthttp.StatusTooManyRequests,
		OpenAIType: TypeRateLimitError,
		OpenAICode: CodeRateLimitExceeded,
		Prefix:     PrefixGateway,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(secs)},
	}
}

// Policy violation errors share the poisoned_prompt type.

func InvisibleText() *Error  { return policyError("The prompt contains invisible text", CodeInvisibleText) }
func UnallowedLanguage() *Error {
	return policyError("The prompt language is not allowed", CodeUnallowedLanguage)
}
func PromptInjection() *Error {
	return policyError("The prompt was classified as an injection attempt", CodePromptInjection)
}
func ForbiddenTopic() *Error {
	return policyError("The prompt touches a forbidden topic", CodeForbiddenTopic)
}

func policyError(message, code string) *Error {
	return &Error{
		Message:    message,
		HTTPCode:   fasthttp.StatusBadRequest,
		OpenAIType: TypePoisonedPrompt,
		OpenAICode: code,
		Prefix:     PrefixGateway,
	}
}

// PolicyNotReady signals that a policy backend (classifier, recognizer
// models) is still warming up. Retryable.
func PolicyNotReady(name string) *Error {
	return notReady(fmt.Sprintf("The policy %q is not ready yet, try again later", name))
}

// ResourceNotReady signals any other retryable startup condition.
func ResourceNotReady(message string) *Error { return notReady(message) }

func notReady(message string) *Error {
	return &Error{
		Message:    message,
		HTTPCode:   fasthttp.StatusServiceUnavailable,
		OpenAIType: TypeServerError,
		Prefix:     PrefixGateway,
	}
}

func Validation(message string) *Error {
	return &Error{
		Message:    message,
		HTTPCode:   fasthttp.StatusUnprocessableEntity,
		OpenAIType: TypeInvalidRequest,
		Prefix:     PrefixGateway,
	}
}

// envelope is the OpenAI wire shape.
type (
	payload struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Code    string  `json:"code,omitempty"`
		Param   *string `json:"param"`
	}
	envelope struct {
		Error payload `json:"error"`
	}
)

// From normalizes any error into *Error. Wrapped chains are walked with
// errors.As; anything unrecognized becomes an internal 500.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Message:    "Something went wrong on the gateway side",
		HTTPCode:   fasthttp.StatusInternalServerError,
		OpenAIType: TypeServerError,
		OpenAICode: CodeInternalError,
		Prefix:     PrefixGateway,
		Internal:   true,
	}
}

// Body renders the JSON envelope for e.
func (e *Error) Body() []byte {
	body, _ := json.Marshal(envelope{Error: payload{
		Message: e.Prefix + e.Message,
		Type:    e.OpenAIType,
		Code:    e.OpenAICode,
	}})
	return body
}

// Write writes err to the fasthttp response, normalizing it first.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e := From(err)
	ctx.SetStatusCode(e.HTTPCode)
	ctx.SetContentType("application/json")
	for k, v := range e.Headers {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetBody(e.Body())
}
