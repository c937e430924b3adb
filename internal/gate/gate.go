// Package gate is the request gate: bearer authentication against hashed
// API keys, expiry and budget-suspension checks, and the per-key minimum
// interval rate limit.
package gate

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// Gate authenticates and rate-limits requests.
type Gate struct {
	store   *store.Store
	cache   *otter.Cache[string, *store.APIKey]
	limiter Limiter
}

// New builds a gate. A nil limiter disables rate limiting.
func New(st *store.Store, limiter Limiter) (*Gate, error) {
	c, err := otter.New(&otter.Options[string, *store.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *store.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("gate: create cache: %w", err)
	}
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	return &Gate{store: st, cache: c, limiter: limiter}, nil
}

// BearerToken extracts the bearer credential from an Authorization header
// value. The empty string means the header is missing or malformed.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate resolves the bearer token into an API key, enforcing expiry,
// budget suspension and the key's rate limit in that order.
func (g *Gate) Authenticate(ctx context.Context, authorization string) (*store.APIKey, error) {
	token := BearerToken(authorization)
	if token == "" {
		return nil, apierr.InvalidAPIKey("")
	}

	hash := store.HashKey(token)

	key, ok := g.cache.GetIfPresent(hash)
	if !ok {
		var err error
		key, err = g.store.KeyByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, apierr.InvalidAPIKey("")
		}
		if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			return nil, apierr.InvalidAPIKey("")
		}
		g.cache.Set(hash, key)
	}

	now := time.Now().UTC()

	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		g.cache.Invalidate(hash)
		return nil, apierr.ExpiredAPIKey()
	}

	if key.UnbudgetedUntil != nil && key.UnbudgetedUntil.After(now) {
		return nil, apierr.UnbudgetedKey(key.UnbudgetedUntil.Sub(now))
	}

	if interval := key.Rate(); interval > 0 {
		retryAfter, ok, err := g.limiter.Allow(ctx, key.ID, interval)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apierr.TooManyRequests(key.RateRequests, key.RatePeriod, retryAfter)
		}
	}

	return key, nil
}

// Invalidate drops a cached key by hash.
func (g *Gate) Invalidate(hash string) {
	g.cache.Invalidate(hash)
}
