// Package pool assembles the caller-visible model table for an API key.
//
// A key sees two kinds of names: aliases of models on providers granted via
// llm_access, and virtual model names of pools granted via pool_access. A
// virtual name expands to an ordered candidate list, which is what gives the
// gateway provider failover.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// Candidate is one resolvable (provider document, model entry) pair. PoolID
// names the pool document the candidate came through, "" for direct grants.
type Candidate struct {
	LLM    *store.LLM
	Model  store.ModelEntry
	PoolID string
}

// ModelPool is the resolved model table for one API key.
type ModelPool struct {
	byName map[string][]Candidate
}

// Known lists the model names visible to the key, sorted.
func (p *ModelPool) Known() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves a requested model name into its failover candidates.
// Provider-prefixed names ("OpenAI/alias") restrict the match to candidates
// of that provider kind.
func (p *ModelPool) Select(model string) ([]Candidate, error) {
	if cands, ok := p.byName[model]; ok {
		return cands, nil
	}

	if provider, alias, ok := strings.Cut(model, "/"); ok {
		var out []Candidate
		for _, c := range p.byName[alias] {
			if c.LLM.Kind == provider {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil, apierr.UnknownProvider(provider)
		}
		return out, nil
	}

	return nil, apierr.UnlistedModel(model, p.Known())
}

// Builder constructs and caches per-key model pools. The cache entry is
// pinned to the key's updated_at: granting or revoking access bumps the
// timestamp and invalidates the pool on the next request.
type Builder struct {
	store *store.Store
	cache *otter.Cache[string, cached]
}

type cached struct {
	pool      *ModelPool
	updatedAt time.Time
}

const (
	cacheTTL    = time.Minute
	cacheMaxLen = 10_000
)

func NewBuilder(st *store.Store) (*Builder, error) {
	c, err := otter.New(&otter.Options[string, cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cached](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("pool: create cache: %w", err)
	}
	return &Builder{store: st, cache: c}, nil
}

// For returns the model pool of a key, building it on first use.
func (b *Builder) For(ctx context.Context, key *store.APIKey) (*ModelPool, error) {
	if c, ok := b.cache.GetIfPresent(key.ID); ok && c.updatedAt.Equal(key.UpdatedAt) {
		return c.pool, nil
	}

	p, err := b.build(ctx, key)
	if err != nil {
		return nil, err
	}

	b.cache.Set(key.ID, cached{pool: p, updatedAt: key.UpdatedAt})
	return p, nil
}

func (b *Builder) build(ctx context.Context, key *store.APIKey) (*ModelPool, error) {
	p := &ModelPool{byName: make(map[string][]Candidate)}

	// Direct access: every enabled model of every granted provider, keyed
	// by alias. Disabled providers read as nil and are skipped silently.
	for _, llmID := range key.LLMAccess {
		llm, err := b.store.LLMByID(ctx, llmID)
		if err != nil {
			return nil, err
		}
		if llm == nil {
			continue
		}
		for _, m := range llm.Models {
			if !m.Enabled {
				continue
			}
			p.byName[m.Alias] = append(p.byName[m.Alias], Candidate{LLM: llm, Model: m})
		}
	}

	// Pool access: the virtual name maps to the referenced entries in
	// document order, which is the failover order.
	for _, poolID := range key.PoolAccess {
		doc, err := b.store.PoolByID(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if doc == nil || doc.VirtualModelName == "" {
			continue
		}
		for _, ref := range doc.Models {
			llm, err := b.store.LLMByID(ctx, ref.LLMID)
			if err != nil {
				return nil, err
			}
			if llm == nil {
				continue
			}
			for _, m := range llm.Models {
				if m.Enabled && m.Alias == ref.Alias {
					p.byName[doc.VirtualModelName] = append(
						p.byName[doc.VirtualModelName],
						Candidate{LLM: llm, Model: m, PoolID: doc.ID},
					)
					break
				}
			}
		}
	}

	return p, nil
}

// Invalidate drops the cached pool for a key.
func (b *Builder) Invalidate(keyID string) {
	b.cache.Invalidate(keyID)
}
