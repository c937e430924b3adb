package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestKeyRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	secret := "tc-test-secret"
	k := &APIKey{
		ID:        NewID(),
		Owner:     "owner1",
		Name:      "ci",
		KeyHash:   HashKey(secret),
		KeySuffix: KeySuffix(secret),
		LLMAccess: []string{"llm1"},
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.PutKey(ctx, k); err != nil {
		t.Fatal(err)
	}

	got, err := st.KeyByHash(ctx, HashKey(secret))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != k.ID || got.Name != "ci" {
		t.Fatalf("got %+v", got)
	}
	if got.KeySuffix != "secret" {
		t.Fatalf("suffix = %q", got.KeySuffix)
	}

	if missing, _ := st.KeyByHash(ctx, HashKey("tc-other")); missing != nil {
		t.Fatal("unknown hash resolved")
	}

	// Upsert replaces in place.
	k.Name = "ci-renamed"
	if err := st.PutKey(ctx, k); err != nil {
		t.Fatal(err)
	}
	got, _ = st.KeyByID(ctx, k.ID)
	if got.Name != "ci-renamed" {
		t.Fatalf("name after upsert = %q", got.Name)
	}

	if err := st.DeleteKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if gone, _ := st.KeyByID(ctx, k.ID); gone != nil {
		t.Fatal("key survived delete")
	}
}

func TestScopedListing(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	put := func(name string, scopes []string) {
		t.Helper()
		err := st.PutLLM(ctx, &LLM{
			ID: NewID(), Name: name, Kind: KindOpenAI, Status: StatusConnected,
			Scopes: scopes, UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	put("teamA", []string{"/org/teamA/"})
	put("teamB", []string{"/org/teamB/"})
	put("everyone", []string{"/ALL/"})
	put("unscoped", nil)

	names := func(ctx context.Context) map[string]bool {
		t.Helper()
		llms, err := st.LLMs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		out := make(map[string]bool)
		for _, l := range llms {
			out[l.Name] = true
		}
		return out
	}

	// No scope filter: everything is visible.
	all := names(ctx)
	if len(all) != 4 {
		t.Fatalf("unfiltered = %v", all)
	}

	// Scoped: the matching team, the wildcard, nothing else.
	got := names(WithScopes(ctx, []string{"/org/teamA/alice"}))
	if !got["teamA"] || !got["everyone"] || got["teamB"] || got["unscoped"] {
		t.Fatalf("scoped = %v", got)
	}

	// Unscoped escape hatch for background jobs.
	got = names(Unscoped(WithScopes(ctx, []string{"/org/teamA/alice"})))
	if len(got) != 4 {
		t.Fatalf("unscoped = %v", got)
	}
}

func TestMailQueueDedupeByKey(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Mail{Key: "alert:a1", Emails: []string{"ops@example.com"}, Subject: "80% used", SendAt: now}
	if err := st.EnqueueMail(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &Mail{Key: "alert:a1", Emails: []string{"ops@example.com"}, Subject: "100% used", SendAt: now}
	if err := st.EnqueueMail(ctx, second); err != nil {
		t.Fatal(err)
	}

	m, err := st.NextMail(ctx, time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Subject != "100% used" {
		t.Fatalf("got %+v, want the refreshed message", m)
	}

	// The pop rescheduled it; nothing else is due.
	if again, _ := st.NextMail(ctx, time.Minute, 3); again != nil {
		t.Fatalf("second pop returned %+v", again)
	}
}

func TestMailQueueRetryAndDelete(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	mail := &Mail{Key: "alert:a2", Emails: []string{"ops@example.com"}, Subject: "hello", SendAt: past}
	if err := st.EnqueueMail(ctx, mail); err != nil {
		t.Fatal(err)
	}

	// Each failed delivery bumps attempts until retryMax shuts it off.
	for i := 1; i <= 2; i++ {
		m, err := st.NextMail(ctx, -time.Second, 2)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			t.Fatalf("pop %d returned nothing", i)
		}
		if m.Attempts != i {
			t.Fatalf("pop %d attempts = %d", i, m.Attempts)
		}
	}
	if m, _ := st.NextMail(ctx, -time.Second, 2); m != nil {
		t.Fatalf("mail still due after retryMax: %+v", m)
	}

	// Successful delivery removes the message for good.
	fresh := &Mail{Key: "alert:a3", Emails: []string{"ops@example.com"}, Subject: "bye", SendAt: past}
	if err := st.EnqueueMail(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	m, err := st.NextMail(ctx, -time.Second, 3)
	if err != nil || m == nil {
		t.Fatalf("pop: %v %v", m, err)
	}
	if err := st.DeleteMail(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if gone, _ := st.NextMail(ctx, -time.Second, 3); gone != nil {
		t.Fatalf("mail survived delete: %+v", gone)
	}
}
