package policy

import (
	"context"
	"strings"

	"github.com/maypok86/otter/v2"
	"github.com/pemistahl/lingua-go"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// workingSet pads the detector with common languages so short texts are not
// misattributed to the only language it knows.
var workingSet = []lingua.Language{
	lingua.English,
	lingua.French,
	lingua.German,
	lingua.Spanish,
	lingua.Portuguese,
}

// minSentenceLen skips fragments too short to classify reliably.
const minSentenceLen = 6

type operatedLanguages struct {
	text      string
	samples   []string
	languages []string
}

// languageHook detects the language of each sentence and handles sentences
// outside the allow-set per the configured action.
type languageHook struct {
	name          string
	action        string
	customMessage string
	detector      lingua.LanguageDetector
	allowed       map[lingua.Language]bool
	memo          *otter.Cache[string, *operatedLanguages]
}

func newLanguageHook(p *store.Policy) (pipeline.Hook, error) {
	allowed := make(map[lingua.Language]bool)
	for _, code := range p.Languages.Languages {
		iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(code))
		if lang := lingua.GetLanguageFromIsoCode639_1(iso); lang != lingua.Unknown {
			allowed[lang] = true
		}
	}

	detectorSet := make([]lingua.Language, 0, len(allowed)+len(workingSet))
	seen := make(map[lingua.Language]bool)
	for lang := range allowed {
		detectorSet = append(detectorSet, lang)
		seen[lang] = true
	}
	for _, lang := range workingSet {
		if !seen[lang] {
			detectorSet = append(detectorSet, lang)
		}
	}

	memo, err := newMemo[*operatedLanguages]()
	if err != nil {
		return nil, err
	}

	return &languageHook{
		name:          hookName(p, store.ControlLanguages, p.Languages.Action),
		action:        p.Languages.Action,
		customMessage: p.Languages.CustomMessage,
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectorSet...).
			WithPreloadedLanguageModels().
			Build(),
		allowed: allowed,
		memo:    memo,
	}, nil
}

func (h *languageHook) Name() string  { return h.name }
func (h *languageHook) Priority() int { return 2 }

func (h *languageHook) operate(text string) *operatedLanguages {
	if cached, ok := h.memo.GetIfPresent(text); ok {
		return cached
	}

	op := &operatedLanguages{text: text}
	for _, sentence := range splitSentences(text) {
		lang, detected := h.detector.DetectLanguageOf(sentence)
		if detected {
			op.languages = append(op.languages, strings.ToLower(lang.IsoCode639_1().String()))
		} else {
			op.languages = append(op.languages, "")
		}

		if len([]rune(sentence)) <= minSentenceLen {
			continue
		}
		if !detected || !h.allowed[lang] {
			op.samples = append(op.samples, sentence)
			op.text = strings.ReplaceAll(op.text, sentence, "")
		}
	}

	h.memo.Set(text, op)
	return op
}

// process runs detection on one text and applies the action. The returned
// text replaces the original in the request.
func (h *languageHook) process(pc *pipeline.Context, text string) (string, error) {
	op := h.operate(text)

	pc.AddPolicyResponse(oai.PolicyResponse{
		PolicyType: store.ControlLanguages,
		Result:     op.languages,
	})

	if len(op.samples) == 0 {
		return text, nil
	}

	pc.RecordEvent(usage.PolicyEvent{
		Policy:   store.ControlLanguages,
		Action:   h.action,
		Priority: 2,
		Samples:  []string{sample(op.samples[0])},
	})
	pc.DigestWrite(text, h.name)

	switch h.action {
	case store.ActionSanitization:
		return op.text, nil
	case store.ActionCustomResponse:
		return "", &pipeline.InstantResponse{Response: oai.Stub("", h.customMessage)}
	case store.ActionBan:
		return "", apierr.UnallowedLanguage()
	default: // Disabled: detect and record, change nothing
		return text, nil
	}
}

func (h *languageHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role != "user" {
			continue
		}
		processed, err := h.process(pc, m.Content)
		if err != nil {
			return nil, err
		}
		m.Content = processed
	}
	return nil, nil
}

func (h *languageHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	processed := make([]string, 0, len(inputs))
	for _, content := range inputs {
		out, err := h.process(pc, content)
		if err != nil {
			var inst *pipeline.InstantResponse
			if asInstant(err, &inst) {
				return nil, apierr.UnallowedLanguage()
			}
			return nil, err
		}
		processed = append(processed, out)
	}
	req.SetStrings(processed)
	return nil, nil
}
