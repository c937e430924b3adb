package pool

import (
	"context"
	"path/filepath"
	"strings"
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

func putLLM(t *testing.T, st *store.Store, name string, models ...store.ModelEntry) *store.LLM {
	t.Helper()
	llm := &store.LLM{
		ID:        store.NewID(),
		Name:      name,
		Kind:      store.KindOpenAICompatible,
		Status:    store.StatusConnected,
		Models:    models,
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.PutLLM(context.Background(), llm); err != nil {
		t.Fatalf("put llm %s: %v", name, err)
	}
	return llm
}

func TestBuildMergesAliasesAcrossProviders(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	first := putLLM(t, st, "primary",
		store.ModelEntry{Name: "gpt-4o-2024", Alias: "gpt-4o", Enabled: true},
		store.ModelEntry{Name: "o1-internal", Alias: "o1", Enabled: false},
	)
	second := putLLM(t, st, "secondary",
		store.ModelEntry{Name: "gpt-4o-mirror", Alias: "gpt-4o", Enabled: true},
	)

	b, err := NewBuilder(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &store.APIKey{ID: store.NewID(), LLMAccess: []string{first.ID, second.ID}, UpdatedAt: time.Now()}

	p, err := b.For(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	cands, err := p.Select("gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].LLM.Name != "primary" || cands[1].LLM.Name != "secondary" {
		t.Fatalf("candidate order = %s, %s", cands[0].LLM.Name, cands[1].LLM.Name)
	}
	if cands[0].Model.Name != "gpt-4o-2024" {
		t.Fatalf("first candidate model = %s", cands[0].Model.Name)
	}
	if cands[0].PoolID != "" {
		t.Fatalf("direct grant carries pool id %q", cands[0].PoolID)
	}

	// Disabled entries never surface.
	if _, err := p.Select("o1"); err == nil {
		t.Fatal("disabled model resolved")
	}
}

func TestBuildExpandsVirtualModelName(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	a := putLLM(t, st, "east", store.ModelEntry{Name: "m-east", Alias: "m", Enabled: true})
	b := putLLM(t, st, "west", store.ModelEntry{Name: "m-west", Alias: "m", Enabled: true})

	doc := &store.Pool{
		ID:               store.NewID(),
		Name:             "failover",
		VirtualModelName: "m-anywhere",
		Models: []store.ModelRef{
			{LLMID: b.ID, Alias: "m"},
			{LLMID: a.ID, Alias: "m"},
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.PutPool(ctx, doc); err != nil {
		t.Fatal(err)
	}

	builder, err := NewBuilder(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &store.APIKey{ID: store.NewID(), PoolAccess: []string{doc.ID}, UpdatedAt: time.Now()}

	p, err := builder.For(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	cands, err := p.Select("m-anywhere")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	// Document order is the failover order.
	if cands[0].LLM.Name != "west" || cands[1].LLM.Name != "east" {
		t.Fatalf("candidate order = %s, %s", cands[0].LLM.Name, cands[1].LLM.Name)
	}
	// Pool candidates remember the pool they came through.
	if cands[0].PoolID != doc.ID || cands[1].PoolID != doc.ID {
		t.Fatalf("pool ids = %q, %q", cands[0].PoolID, cands[1].PoolID)
	}

	// The member alias itself is not granted through pool access.
	if _, err := p.Select("m"); err == nil {
		t.Fatal("pool access leaked the member alias")
	}
}

func TestSelectProviderPrefix(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	// Same alias on two provider kinds: the prefix narrows by kind.
	a := &store.LLM{
		ID: store.NewID(), Name: "prod-openai", Kind: store.KindOpenAI,
		Status:    store.StatusConnected,
		Models:    []store.ModelEntry{{Name: "m-east", Alias: "m", Enabled: true}},
		UpdatedAt: time.Now().UTC(),
	}
	b := &store.LLM{
		ID: store.NewID(), Name: "prod-anthropic", Kind: store.KindAnthropic,
		Status:    store.StatusConnected,
		Models:    []store.ModelEntry{{Name: "m-west", Alias: "m", Enabled: true}},
		UpdatedAt: time.Now().UTC(),
	}
	for _, llm := range []*store.LLM{a, b} {
		if err := st.PutLLM(ctx, llm); err != nil {
			t.Fatal(err)
		}
	}

	builder, err := NewBuilder(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &store.APIKey{ID: store.NewID(), LLMAccess: []string{a.ID, b.ID}, UpdatedAt: time.Now()}

	p, err := builder.For(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	cands, err := p.Select("Anthropic/m")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Model.Name != "m-west" {
		t.Fatalf("prefixed select = %+v", cands)
	}

	// The document's display name is not a valid prefix; the kind is.
	for _, model := range []string{"prod-openai/m", "Mistral/m"} {
		_, err := p.Select(model)
		if err == nil {
			t.Fatalf("%s resolved", model)
		}
		e := apierr.From(err)
		if e.HTTPCode != 404 || !strings.Contains(e.Message, "Unknown provider") {
			t.Fatalf("%s: got %d %q", model, e.HTTPCode, e.Message)
		}
	}
}

func TestSelectUnknownModel(t *testing.T) {
	st := openStore(t)

	builder, err := NewBuilder(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &store.APIKey{ID: store.NewID(), UpdatedAt: time.Now()}

	p, err := builder.For(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Select("nope")
	e := apierr.From(err)
	if e.HTTPCode != 404 || e.OpenAICode != apierr.CodeModelNotFound {
		t.Fatalf("got %d/%s, want 404/%s", e.HTTPCode, e.OpenAICode, apierr.CodeModelNotFound)
	}
}

func TestBuilderCachePinnedToUpdatedAt(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	llm := putLLM(t, st, "east", store.ModelEntry{Name: "m-east", Alias: "m", Enabled: true})

	builder, err := NewBuilder(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &store.APIKey{ID: store.NewID(), LLMAccess: []string{llm.ID}, UpdatedAt: time.Now().UTC()}

	p, err := builder.For(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select("m"); err != nil {
		t.Fatal(err)
	}

	// Revoke access. The stale key document still hits the cache.
	key2 := *key
	key2.LLMAccess = nil
	p, err = builder.For(ctx, &key2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select("m"); err != nil {
		t.Fatalf("cached pool should still resolve: %v", err)
	}

	// Bumping updated_at invalidates the cached pool.
	key2.UpdatedAt = key.UpdatedAt.Add(time.Second)
	p, err = builder.For(ctx, &key2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select("m"); err == nil {
		t.Fatal("revoked access still resolved after updated_at bump")
	}
}
