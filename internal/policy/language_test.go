package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

func languagePolicy(action string, codes ...string) *store.Policy {
	return &store.Policy{
		ID: store.NewID(), Name: "test",
		Controls:  []string{store.ControlLanguages},
		Languages: &store.LanguagesOptions{Action: action, Languages: codes},
		UpdatedAt: time.Now().UTC(),
	}
}

func TestLanguageSanitization(t *testing.T) {
	h, err := newLanguageHook(languagePolicy(store.ActionSanitization, "en"))
	if err != nil {
		t.Fatal(err)
	}

	pc := &pipeline.Context{}
	req := &oai.ChatRequest{Messages: []oai.Message{
		{Role: "user", Content: "I would like to order a pizza for dinner tonight. Ich möchte bitte eine Pizza mit extra Käse bestellen."},
	}}

	if _, err := h.OnCompletion(context.Background(), pc, req); err != nil {
		t.Fatal(err)
	}

	got := req.Messages[0].Content
	if strings.Contains(got, "Ich möchte") {
		t.Fatalf("german sentence survived: %q", got)
	}
	if !strings.Contains(got, "order a pizza") {
		t.Fatalf("english sentence removed: %q", got)
	}

	if len(pc.Events) != 1 || pc.Events[0].Policy != store.ControlLanguages {
		t.Fatalf("events = %+v", pc.Events)
	}
	if len(pc.PolicyResponses) != 1 {
		t.Fatalf("responses = %+v", pc.PolicyResponses)
	}
	langs := pc.PolicyResponses[0].Result.([]string)
	if len(langs) != 2 || langs[0] != "en" || langs[1] != "de" {
		t.Fatalf("detected languages = %v", langs)
	}
}

func TestLanguageBan(t *testing.T) {
	h, err := newLanguageHook(languagePolicy(store.ActionBan, "en"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	pc := &pipeline.Context{}
	req := &oai.ChatRequest{Messages: []oai.Message{
		{Role: "user", Content: "Le gouvernement français a annoncé une nouvelle réforme importante aujourd'hui."},
	}}
	_, err = h.OnCompletion(ctx, pc, req)
	e := apierr.From(err)
	if e.OpenAICode != apierr.CodeUnallowedLanguage {
		t.Fatalf("got code %q", e.OpenAICode)
	}

	// Allowed language passes untouched.
	pc = &pipeline.Context{}
	req = &oai.ChatRequest{Messages: []oai.Message{
		{Role: "user", Content: "The weather has been unusually warm this entire week."},
	}}
	if _, err := h.OnCompletion(ctx, pc, req); err != nil {
		t.Fatalf("english prompt rejected: %v", err)
	}
	if len(pc.Events) != 0 {
		t.Fatalf("allowed language recorded events: %+v", pc.Events)
	}

	// Fragments too short to classify are given the benefit of the doubt.
	pc = &pipeline.Context{}
	req = &oai.ChatRequest{Messages: []oai.Message{
		{Role: "user", Content: "Oui."},
	}}
	if _, err := h.OnCompletion(ctx, pc, req); err != nil {
		t.Fatalf("short fragment rejected: %v", err)
	}
}
