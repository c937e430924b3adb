package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newUpstreamHandler serves an OpenAI-compatible upstream: chat completions
// (with streaming) and embeddings. Point an OpenAICompatible provider
// document at it.
func newUpstreamHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock upstream error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			N        int    `json:"n"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		if req.Stream {
			streamChat(w, cfg, req.Model)
			return
		}

		promptTokens := 0
		for _, m := range req.Messages {
			promptTokens += len(strings.Fields(m.Content))
		}
		n := req.N
		if n < 1 {
			n = 1
		}
		choices := make([]map[string]any, n)
		for i := range choices {
			choices[i] = map[string]any{
				"index":         i,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": fakeSentence(cfg.StreamWords),
				},
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock-%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": choices,
			"usage": map[string]int{
				"prompt_tokens":     promptTokens,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      promptTokens + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock upstream error", "server_error")
			return
		}

		var req struct {
			Model string          `json:"model"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		count := 1
		var many []string
		if json.Unmarshal(req.Input, &many) == nil {
			count = len(many)
		}
		data := make([]map[string]any, count)
		for i := range data {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeEmbedding(16),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": count * 4, "total_tokens": count * 4},
		})
	})

	return mux
}

// streamChat emits the completion word by word as SSE chunks.
func streamChat(w http.ResponseWriter, cfg Config, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	id := fmt.Sprintf("chatcmpl-mock-%x", rand.Int64())
	created := time.Now().Unix()

	emit := func(delta map[string]any, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(map[string]any{"role": "assistant"}, nil)
	for i := 0; i < cfg.StreamWords; i++ {
		word := fakeWords[rand.IntN(len(fakeWords))]
		if i > 0 {
			word = " " + word
		}
		emit(map[string]any{"content": word}, nil)
	}
	emit(map[string]any{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// newScoreHandler serves an Azure-ML style score endpoint accepting all
// three payload flavours on one route.
func newScoreHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /score", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			http.Error(w, "mock score error", http.StatusInternalServerError)
			return
		}

		var body struct {
			InputData *struct {
				InputString []any `json:"input_string"`
			} `json:"input_data"`
			Prompt    string          `json:"prompt"`
			Documents json.RawMessage `json:"documents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		switch {
		case len(body.Documents) > 0:
			writeJSON(w, http.StatusOK, fakeEmbedding(16))
		default:
			writeJSON(w, http.StatusOK, map[string]string{"output": fakeSentence(cfg.StreamWords)})
		}
	})
	return mux
}
