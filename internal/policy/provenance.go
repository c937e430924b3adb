package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// Attribution points one recognized snippet at its upstream source.
type Attribution struct {
	URL      string   `json:"url"`
	Licenses []string `json:"licenses"`
}

// SnippetScanner recognizes known code snippets in generated text.
type SnippetScanner interface {
	Scan(content string) []Attribution
}

var fencedCodePattern = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")

// provenanceHook scans fenced code blocks in responses against per-language
// snippet datasets and attaches attributions as footnotes and metadata.
type provenanceHook struct {
	name         string
	scanners     map[string]SnippetScanner
	addFootnotes bool
	addMetadata  bool
	fullscan     bool
}

func newProvenanceHook(ctx context.Context, p *store.Policy, factory ScannerFactory) (pipeline.Hook, error) {
	opts := p.CodeProvenance
	name := hookName(p, store.ControlCodeProvenance, "")

	scanners := make(map[string]SnippetScanner, len(opts.Datasets))
	for _, spec := range opts.Datasets {
		scanner, err := factory(ctx, spec.Dataset, opts.DownloadURL)
		if err != nil {
			return nil, apierr.PolicyNotReady(name)
		}
		scanners[strings.ToLower(spec.Language)] = scanner
	}

	return &provenanceHook{
		name:         name,
		scanners:     scanners,
		addFootnotes: opts.AddFootnotes,
		addMetadata:  opts.AddMetadata,
		fullscan:     opts.Fullscan,
	}, nil
}

func (h *provenanceHook) Name() string  { return h.name }
func (h *provenanceHook) Priority() int { return 4 }

// scan runs the scanner matching the block language, or every scanner when
// fullscan is on and the language is unknown.
func (h *provenanceHook) scan(content, language string) []Attribution {
	var scanners []SnippetScanner
	if language == "" {
		if !h.fullscan {
			return nil
		}
		for _, s := range h.scanners {
			scanners = append(scanners, s)
		}
	} else {
		s, ok := h.scanners[strings.ToLower(language)]
		if !ok {
			return nil
		}
		scanners = []SnippetScanner{s}
	}

	var attributions []Attribution
	for _, s := range scanners {
		attributions = append(attributions, s.Scan(content)...)
	}
	return attributions
}

func buildFootnote(attributions []Attribution) string {
	notes := make([]string, 0, len(attributions))
	for _, a := range attributions {
		notes = append(notes, fmt.Sprintf("[%s]\nLicenses: %s", a.URL, strings.Join(a.Licenses, ", ")))
	}
	return strings.Join(notes, "\n\n")
}

func (h *provenanceHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	return pipeline.TailFunc(func(pc *pipeline.Context, resp *oai.ChatResponse) error {
		for i := range resp.Choices {
			msg := resp.Choices[i].Message
			if msg == nil || msg.Content == "" {
				continue
			}

			var attributions []Attribution
			if h.fullscan {
				attributions = h.scan(msg.Content, "")
			} else {
				for _, block := range fencedCodePattern.FindAllStringSubmatch(msg.Content, -1) {
					attributions = append(attributions, h.scan(block[2], block[1])...)
				}
				if h.addFootnotes && len(attributions) > 0 {
					msg.Content += "\n\nFound snippets in third-party repositories:\n\n"
					msg.Content += buildFootnote(attributions)
				}
			}

			if h.addMetadata && len(attributions) > 0 {
				pc.AddPolicyResponse(oai.PolicyResponse{
					PolicyType: store.ControlCodeProvenance,
					Result:     attributions,
				})
				pc.RecordEvent(usage.PolicyEvent{
					Policy:   store.ControlCodeProvenance,
					Priority: 2,
				})
			}
		}
		return nil
	}), nil
}

func (h *provenanceHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	return nil, nil
}

// snippetWindow is the number of normalized lines hashed per lookup.
const snippetWindow = 4

// datasetScanner matches sliding windows of normalized code lines against a
// downloaded hash index.
type datasetScanner struct {
	index map[string]Attribution
}

type datasetEntry struct {
	Hash     string   `json:"hash"`
	URL      string   `json:"url"`
	Licenses []string `json:"licenses"`
}

// NewDatasetScanner downloads one dataset index from
// <downloadURL>/<dataset>.json and builds an in-memory scanner over it.
func NewDatasetScanner(ctx context.Context, dataset, downloadURL string) (SnippetScanner, error) {
	if downloadURL == "" {
		return nil, fmt.Errorf("provenance: dataset %q: no download url configured", dataset)
	}

	url := strings.TrimRight(downloadURL, "/") + "/" + dataset + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provenance: build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provenance: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provenance: fetch %s: status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("provenance: read %s: %w", url, err)
	}

	var entries []datasetEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("provenance: decode %s: %w", url, err)
	}

	index := make(map[string]Attribution, len(entries))
	for _, e := range entries {
		index[e.Hash] = Attribution{URL: e.URL, Licenses: e.Licenses}
	}
	return &datasetScanner{index: index}, nil
}

// normalizeLines strips indentation and blank lines so formatting changes do
// not defeat the lookup.
func normalizeLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// WindowHash hashes one window of normalized lines the way the dataset
// builder does.
func WindowHash(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:16])
}

func (s *datasetScanner) Scan(content string) []Attribution {
	lines := normalizeLines(content)
	if len(lines) < snippetWindow {
		return nil
	}

	var (
		out  []Attribution
		seen = map[string]bool{}
	)
	for i := 0; i+snippetWindow <= len(lines); i++ {
		hash := WindowHash(lines[i : i+snippetWindow])
		if a, ok := s.index[hash]; ok && !seen[a.URL] {
			seen[a.URL] = true
			out = append(out, a)
		}
	}
	return out
}
