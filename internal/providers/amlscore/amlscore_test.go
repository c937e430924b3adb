package amlscore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

func TestChatCompletion(t *testing.T) {
	var got scoreChatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			http.Error(w, "no auth", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"output": "All good."})
	}))
	defer srv.Close()

	p := NewChat(Config{URL: srv.URL, Bearer: "sekrit", CharsPerToken: 4})

	temp := 0.5
	maxTok := 64
	req := &oai.ChatRequest{
		Model: "llama-score",
		Messages: []oai.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello there"},
			{Role: "tool", Content: "dropped"},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}

	res, err := p.Completion(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	// Only chat roles cross the wire; max_tokens becomes max_new_tokens.
	if len(got.InputData.InputString) != 2 {
		t.Fatalf("input_string = %+v", got.InputData.InputString)
	}
	if got.InputData.Parameters == nil || *got.InputData.Parameters.MaxNewTokens != 64 {
		t.Fatalf("parameters = %+v", got.InputData.Parameters)
	}

	resp := res.Response
	if resp.Choices[0].Message.Content != "All good." {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Model != "llama-score" || resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	// 26 prompt chars / 4 → 7, 9 completion chars / 4 → 3.
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionLegacyTextField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "from the old field"})
	}))
	defer srv.Close()

	p := NewChat(Config{URL: srv.URL})
	res, err := p.Completion(context.Background(), &oai.ChatRequest{
		Messages: []oai.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Choices[0].Message.Content != "from the old field" {
		t.Fatalf("content = %q", res.Response.Choices[0].Message.Content)
	}
	// No chars_per_token configured: usage stays zero.
	if res.Response.Usage.TotalTokens != 0 {
		t.Fatalf("usage = %+v", res.Response.Usage)
	}
}

func TestPromptCompletionFlattensConversation(t *testing.T) {
	var got scorePromptPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"output": "ok"})
	}))
	defer srv.Close()

	p := NewPrompt(Config{URL: srv.URL})
	_, err := p.Completion(context.Background(), &oai.ChatRequest{
		Messages: []oai.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "what is Go"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Prompt != "be brief what is Go" {
		t.Fatalf("prompt = %q", got.Prompt)
	}
}

func TestEmbedding(t *testing.T) {
	var got scoreEmbeddingPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode([]float64{0.1, 0.2, 0.3})
	}))
	defer srv.Close()

	p := NewEmbedding(Config{URL: srv.URL, CharsPerToken: 2})
	resp, err := p.Embedding(context.Background(), &oai.EmbeddingRequest{
		Model: "embed-score",
		Input: json.RawMessage(`["abcd"]`),
	})
	if err != nil {
		t.Fatal(err)
	}

	var docs []string
	if err := json.Unmarshal(got.Documents, &docs); err != nil || len(docs) != 1 || docs[0] != "abcd" {
		t.Fatalf("documents = %s", got.Documents)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 3 {
		t.Fatalf("data = %+v", resp.Data)
	}
	if resp.Usage.PromptTokens != 2 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	// Chat completions are not a thing on embedding endpoints.
	if _, err := p.Completion(context.Background(), &oai.ChatRequest{}); err == nil {
		t.Fatal("completion accepted on an embedding endpoint")
	}
}

func TestProviderErrors(t *testing.T) {
	t.Run("upstream status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model is scaling up", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := NewChat(Config{URL: srv.URL})
		_, err := p.Completion(context.Background(), &oai.ChatRequest{
			Messages: []oai.Message{{Role: "user", Content: "hi"}},
		})
		e := apierr.From(err)
		if !e.IsProvider() || e.HTTPCode != http.StatusServiceUnavailable {
			t.Fatalf("got %+v", e)
		}
	})

	t.Run("undecodable body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>so wrong</html>"))
		}))
		defer srv.Close()

		p := NewChat(Config{URL: srv.URL})
		_, err := p.Completion(context.Background(), &oai.ChatRequest{
			Messages: []oai.Message{{Role: "user", Content: "hi"}},
		})
		e := apierr.From(err)
		if !e.IsProvider() || e.HTTPCode != http.StatusBadRequest {
			t.Fatalf("got %+v", e)
		}
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		p := NewChat(Config{URL: "http://127.0.0.1:1"})
		_, err := p.Completion(context.Background(), &oai.ChatRequest{
			Messages: []oai.Message{{Role: "user", Content: "hi"}},
		})
		e := apierr.From(err)
		if !e.IsProvider() || e.HTTPCode != http.StatusBadGateway {
			t.Fatalf("got %+v", e)
		}
	})
}

func TestEstimate(t *testing.T) {
	c := newClient(Config{CharsPerToken: 4})
	cases := []struct{ chars, want int }{
		{0, 0}, {1, 1}, {4, 1}, {5, 2}, {100, 25},
	}
	for _, tc := range cases {
		if got := c.estimate(tc.chars); got != tc.want {
			t.Errorf("estimate(%d) = %d, want %d", tc.chars, got, tc.want)
		}
	}
	if got := newClient(Config{}).estimate(100); got != 0 {
		t.Errorf("unconfigured estimate = %d", got)
	}
}
