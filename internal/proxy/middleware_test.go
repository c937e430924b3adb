package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func discardServer() *Server {
	return &Server{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestRecoveryWritesErrorEnvelope(t *testing.T) {
	s := discardServer()

	handler := s.recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial output")
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}

	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not the error envelope: %s", ctx.Response.Body())
	}
	// The panic value never reaches the client.
	if strings.Contains(env.Error.Message, "boom") {
		t.Fatalf("panic detail leaked: %q", env.Error.Message)
	}
	if strings.Contains(string(ctx.Response.Body()), "partial output") {
		t.Fatal("partial handler output survived the reset")
	}

	// Healthy handlers pass through untouched.
	ok := s.recovery(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) })
	ctx = &fasthttp.RequestCtx{}
	ok(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen = RequestID(ctx)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if seen == "" {
		t.Fatal("no request id generated")
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Fatalf("response header %q, context %q", got, seen)
	}

	// A client-supplied id is kept.
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "trace-42")
	handler(ctx)
	if seen != "trace-42" {
		t.Fatalf("client id replaced with %q", seen)
	}
}

func TestTimingHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Fatal("no X-Response-Time header")
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}
	for header, v := range want {
		if got := string(ctx.Response.Header.Peek(header)); got != v {
			t.Errorf("%s = %q, want %q", header, got, v)
		}
	}
}

func TestCORS(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		want    string
	}{
		{"nil is open", nil, "*"},
		{"explicit wildcard", []string{"*"}, "*"},
		{"allowlist", []string{"https://app.example.com", "https://ops.example.com"},
			"https://app.example.com, https://ops.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := corsHandler(tc.origins)(func(ctx *fasthttp.RequestCtx) {})

			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			handler(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tc.want {
				t.Fatalf("origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		t.Error("preflight reached the handler")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Fatalf("preflight body = %q", ctx.Response.Body())
	}
	if !strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Headers")), "Authorization") {
		t.Fatal("Authorization missing from allowed headers")
	}
}

func TestApplyMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-in")
				next(ctx)
				order = append(order, name+"-out")
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, tag("outer"), tag("inner"))

	handler(&fasthttp.RequestCtx{})

	want := "outer-in inner-in handler inner-out outer-out"
	if got := strings.Join(order, " "); got != want {
		t.Fatalf("order = %q, want %q", got, want)
	}

	// No middleware is a plain call.
	called := false
	applyMiddleware(func(ctx *fasthttp.RequestCtx) { called = true })(&fasthttp.RequestCtx{})
	if !called {
		t.Fatal("bare handler not called")
	}
}
