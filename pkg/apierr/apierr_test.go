package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func decodeBody(t *testing.T, body []byte) (message, typ, code string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Error.Message, env.Error.Type, env.Error.Code
}

func TestBodyEnvelope(t *testing.T) {
	e := InvalidAPIKey("")
	msg, typ, code := decodeBody(t, e.Body())

	if msg != "TC_ERROR: Incorrect API key provided" {
		t.Fatalf("message = %q", msg)
	}
	if typ != TypeAuthenticationErr || code != CodeInvalidAPIKey {
		t.Fatalf("type/code = %s/%s", typ, code)
	}
}

func TestProviderPrefix(t *testing.T) {
	e := Provider("upstream exploded", fasthttp.StatusBadGateway)
	if !e.IsProvider() {
		t.Fatal("provider error not flagged")
	}
	if e.Error() != "TC_PROVIDER_ERROR: upstream exploded" {
		t.Fatalf("Error() = %q", e.Error())
	}
	if e.HTTPStatus() != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d", e.HTTPStatus())
	}
}

func TestFromNormalizesUnknownErrors(t *testing.T) {
	e := From(errors.New("sqlite: disk I/O error"))
	if !e.Internal {
		t.Fatal("unknown error not marked internal")
	}
	if e.HTTPCode != fasthttp.StatusInternalServerError || e.OpenAICode != CodeInternalError {
		t.Fatalf("got %d/%s", e.HTTPCode, e.OpenAICode)
	}

	msg, _, _ := decodeBody(t, e.Body())
	if msg != "TC_ERROR: Something went wrong on the gateway side" {
		t.Fatalf("internal detail leaked: %q", msg)
	}
}

func TestFromUnwrapsChains(t *testing.T) {
	inner := UnlistedModel("nope", nil)
	wrapped := fmt.Errorf("pipeline: %w", inner)

	if From(wrapped) != inner {
		t.Fatal("wrapped *Error not recovered")
	}
}

func TestTooManyRequestsRetryAfter(t *testing.T) {
	e := TooManyRequests(10, "minute", 250*time.Millisecond)
	// Sub-second waits round up so clients do not retry instantly.
	if e.Headers["Retry-After"] != "1" {
		t.Fatalf("Retry-After = %q", e.Headers["Retry-After"])
	}

	e = TooManyRequests(10, "minute", 9*time.Second)
	if e.Headers["Retry-After"] != "9" {
		t.Fatalf("Retry-After = %q", e.Headers["Retry-After"])
	}
}

func TestWrite(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, UnbudgetedKey(90*time.Second))

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.ContentType()); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "91" {
		t.Fatalf("Retry-After = %q", got)
	}
	_, typ, code := decodeBody(t, ctx.Response.Body())
	if typ != TypeRateLimitError || code != CodeBudgetExceeded {
		t.Fatalf("type/code = %s/%s", typ, code)
	}
}
