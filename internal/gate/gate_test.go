package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func putKey(t *testing.T, st *store.Store, secret string, mutate func(*store.APIKey)) *store.APIKey {
	t.Helper()
	k := &store.APIKey{
		ID:        store.NewID(),
		Name:      "test",
		KeyHash:   store.HashKey(secret),
		KeySuffix: store.KeySuffix(secret),
		UpdatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(k)
	}
	if err := st.PutKey(context.Background(), k); err != nil {
		t.Fatalf("put key: %v", err)
	}
	return k
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer tc-abc123", "tc-abc123"},
		{"bearer tc-abc123", "tc-abc123"},
		{"Bearer  tc-abc123 ", "tc-abc123"},
		{"Basic dXNlcg==", ""},
		{"tc-abc123", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := BearerToken(c.header); got != c.want {
			t.Errorf("BearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	st := openStore(t)
	key := putKey(t, st, "tc-valid-secret", nil)

	g, err := New(st, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := g.Authenticate(ctx, "Bearer tc-valid-secret")
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if got.ID != key.ID {
		t.Fatalf("resolved key %s, want %s", got.ID, key.ID)
	}

	for _, header := range []string{"", "Bearer ", "Bearer tc-wrong", "Basic tc-valid-secret"} {
		_, err := g.Authenticate(ctx, header)
		e := apierr.From(err)
		if e.HTTPCode != 401 || e.OpenAICode != apierr.CodeInvalidAPIKey {
			t.Errorf("header %q: got %d/%s, want 401/%s", header, e.HTTPCode, e.OpenAICode, apierr.CodeInvalidAPIKey)
		}
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	st := openStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	putKey(t, st, "tc-expired", func(k *store.APIKey) { k.ExpiresAt = &past })

	g, err := New(st, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.Authenticate(context.Background(), "Bearer tc-expired")
	e := apierr.From(err)
	if e.OpenAICode != apierr.CodeExpiredAPIKey {
		t.Fatalf("got code %s, want %s", e.OpenAICode, apierr.CodeExpiredAPIKey)
	}
}

func TestAuthenticateSuspendedKey(t *testing.T) {
	st := openStore(t)
	until := time.Now().UTC().Add(time.Hour)
	putKey(t, st, "tc-broke", func(k *store.APIKey) { k.UnbudgetedUntil = &until })

	g, err := New(st, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.Authenticate(context.Background(), "Bearer tc-broke")
	e := apierr.From(err)
	if e.HTTPCode != 429 || e.OpenAICode != apierr.CodeBudgetExceeded {
		t.Fatalf("got %d/%s, want 429/%s", e.HTTPCode, e.OpenAICode, apierr.CodeBudgetExceeded)
	}
	if e.Headers["Retry-After"] == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	st := openStore(t)
	putKey(t, st, "tc-limited", func(k *store.APIKey) {
		k.RateRequests = 10
		k.RatePeriod = "minute"
	})

	g, err := New(st, NewMemoryLimiter())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := g.Authenticate(ctx, "Bearer tc-limited"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}

	_, err = g.Authenticate(ctx, "Bearer tc-limited")
	e := apierr.From(err)
	if e.HTTPCode != 429 || e.OpenAICode != apierr.CodeRateLimitExceeded {
		t.Fatalf("got %d/%s, want 429/%s", e.HTTPCode, e.OpenAICode, apierr.CodeRateLimitExceeded)
	}
	if e.Headers["Retry-After"] == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestKeyRate(t *testing.T) {
	cases := []struct {
		requests int
		period   string
		want     time.Duration
	}{
		{10, "second", 100 * time.Millisecond},
		{60, "minute", time.Second},
		{3600, "hour", time.Second},
		{1, "minute", time.Minute},
		{0, "minute", 0},
		{10, "fortnight", 0},
	}
	for _, c := range cases {
		k := &store.APIKey{RateRequests: c.requests, RatePeriod: c.period}
		if got := k.Rate(); got != c.want {
			t.Errorf("Rate(%d/%s) = %v, want %v", c.requests, c.period, got, c.want)
		}
	}
}
