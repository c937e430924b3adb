// Package policy builds the content-control hook sets bound to API keys.
//
// A policy document is an ordered list of controls (invisible text,
// languages, prompt injection, topics, PII, code provenance); each control
// becomes one pipeline hook. Built hook sets are cached per policy id and
// rebuilt when the document's updated_at changes.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
)

const (
	hookCacheTTL    = 60 * time.Second
	hookCacheMaxLen = 1_000

	// memoMaxLen caps each hook's per-text operate cache.
	memoMaxLen = 1_000
)

// ScannerFactory builds a snippet scanner for one provenance dataset.
type ScannerFactory func(ctx context.Context, dataset, downloadURL string) (SnippetScanner, error)

// Loader resolves policy ids into bound hook sets.
type Loader struct {
	store     *store.Store
	injection *Classifier
	topics    *Classifier
	scanners  ScannerFactory

	cache *otter.Cache[string, cachedHooks]
}

type cachedHooks struct {
	hooks     []pipeline.Hook
	updatedAt time.Time
}

// NewLoader builds a loader. Either classifier may be unconfigured; the
// controls depending on it then report themselves not ready.
func NewLoader(st *store.Store, injection, topics *Classifier) (*Loader, error) {
	c, err := otter.New(&otter.Options[string, cachedHooks]{
		MaximumSize:      hookCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cachedHooks](hookCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("policy: create hook cache: %w", err)
	}
	return &Loader{
		store:     st,
		injection: injection,
		topics:    topics,
		scanners:  NewDatasetScanner,
		cache:     c,
	}, nil
}

// SetScannerFactory overrides the provenance dataset scanner constructor.
func (l *Loader) SetScannerFactory(f ScannerFactory) { l.scanners = f }

// Load resolves the given policy ids into a flat hook set. Unknown ids are
// skipped; a key referencing a deleted policy keeps working without it.
func (l *Loader) Load(ctx context.Context, policyIDs []string) ([]pipeline.Hook, error) {
	var hooks []pipeline.Hook
	for _, id := range policyIDs {
		hs, err := l.forPolicy(ctx, id)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hs...)
	}
	return hooks, nil
}

func (l *Loader) forPolicy(ctx context.Context, id string) ([]pipeline.Hook, error) {
	p, err := l.store.PolicyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	if c, ok := l.cache.GetIfPresent(id); ok && c.updatedAt.Equal(p.UpdatedAt) {
		return c.hooks, nil
	}

	hooks, err := l.build(ctx, p)
	if err != nil {
		return nil, err
	}
	l.cache.Set(id, cachedHooks{hooks: hooks, updatedAt: p.UpdatedAt})
	return hooks, nil
}

// build instantiates one hook per enabled control, in document order.
func (l *Loader) build(ctx context.Context, p *store.Policy) ([]pipeline.Hook, error) {
	var hooks []pipeline.Hook

	for _, control := range p.Controls {
		var (
			h   pipeline.Hook
			err error
		)

		switch control {
		case store.ControlInvisibleText:
			if p.InvisibleText == nil {
				continue
			}
			h, err = newInvisibleHook(p)

		case store.ControlLanguages:
			if p.Languages == nil {
				continue
			}
			h, err = newLanguageHook(p)

		case store.ControlInjection:
			if p.Injection == nil {
				continue
			}
			h, err = newInjectionHook(p, l.injection)

		case store.ControlTopics:
			if p.Topics == nil {
				continue
			}
			h, err = newTopicsHook(p, l.topics)

		case store.ControlPII:
			if p.PII == nil {
				continue
			}
			h, err = newPIIHook(p)

		case store.ControlCodeProvenance:
			if p.CodeProvenance == nil {
				continue
			}
			h, err = newProvenanceHook(ctx, p, l.scanners)

		default:
			return nil, fmt.Errorf("policy %s: unknown control %q", p.ID, control)
		}

		if err != nil {
			return nil, err
		}
		if h != nil {
			hooks = append(hooks, h)
		}
	}

	return hooks, nil
}

// hookName labels a hook for logs and not-ready errors.
func hookName(p *store.Policy, control, action string) string {
	if action == "" {
		return fmt.Sprintf("%s | %s", p.Name, control)
	}
	return fmt.Sprintf("%s | %s (%s)", p.Name, control, action)
}

// newMemo builds the per-hook operate cache.
func newMemo[V any]() (*otter.Cache[string, V], error) {
	c, err := otter.New(&otter.Options[string, V]{MaximumSize: memoMaxLen})
	if err != nil {
		return nil, fmt.Errorf("policy: create memo cache: %w", err)
	}
	return c, nil
}

// sample truncates a policy event sample to 50 characters.
func sample(text string) string {
	const max = 50
	runes := []rune(text)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes)
}
