package main

import (
	"encoding/json"
	"net/http"
	"strings"
)

// newInjectionHandler serves the injection classifier contract: a texts list
// in, one SAFE/INJECTION label with a confidence per text out. A text is
// flagged when it contains the configured needle.
func newInjectionHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			http.Error(w, "mock classifier error", http.StatusInternalServerError)
			return
		}

		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		type label struct {
			Label string  `json:"label"`
			Score float64 `json:"score"`
		}
		results := make([]label, len(req.Texts))
		needle := strings.ToLower(cfg.InjectionNeedle)
		for i, t := range req.Texts {
			if strings.Contains(strings.ToLower(t), needle) {
				results[i] = label{Label: "INJECTION", Score: 0.98}
			} else {
				results[i] = label{Label: "SAFE", Score: 0.97}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})
	return mux
}

// newTopicsHandler serves the zero-shot topics contract: a text and a label
// list in, one independent score per label out. A label scores high when the
// text mentions it verbatim.
func newTopicsHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			http.Error(w, "mock classifier error", http.StatusInternalServerError)
			return
		}

		var req struct {
			Text   string   `json:"text"`
			Labels []string `json:"labels"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		text := strings.ToLower(req.Text)
		scores := make([]float64, len(req.Labels))
		for i, l := range req.Labels {
			if strings.Contains(text, strings.ToLower(l)) {
				scores[i] = 0.95
			} else {
				scores[i] = 0.03
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": req.Labels, "scores": scores})
	})
	return mux
}
