package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

const (
	// tokenTag opens every PII token; tokenLen is the random part length.
	tokenTag = "Δ"
	tokenLen = 12

	// piiMarker is an invisible trailing character marking response messages
	// with restored PII. Marked messages echoed back in a later request are
	// anonymized again before leaving the gateway.
	piiMarker = "\u200e"

	defaultRedactChar = "*"
)

// tokenPattern matches one complete PII token in response text.
var tokenPattern = regexp.MustCompile(regexp.QuoteMeta(tokenTag) + fmt.Sprintf(`\S{%d}`, tokenLen))

// recognizer matches one entity type.
type recognizer struct {
	entity string
	re     *regexp.Regexp
	// predefined entities may be exposed as <ENTITY> placeholders; custom
	// ones are always redacted so the pattern itself stays private.
	predefined bool
}

var builtinRecognizers = []recognizer{
	{entity: "US_SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), predefined: true},
	{entity: "EMAIL_ADDRESS", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), predefined: true},
	{entity: "PHONE_NUMBER", re: regexp.MustCompile(`\b(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)[ .-]?|\d{3}[ .-])\d{3}[ .-]?\d{4}\b`), predefined: true},
	{entity: "CREDIT_CARD", re: regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`), predefined: true},
	{entity: "IP_ADDRESS", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), predefined: true},
}

type piiMatch struct {
	entity     string
	start, end int
	predefined bool
}

type operatedPII struct {
	text     string
	entities []string
	// tokenized maps each issued token back to the original text; only set
	// under the Tokenization action.
	tokenized map[string]string
}

// piiHook finds personal data with the recognizer set and rewrites it per
// the configured action: Redaction fills with a character, Anonymization
// replaces with an <ENTITY> placeholder, Tokenization issues reversible
// tokens restored on the way back.
type piiHook struct {
	name        string
	action      string
	recognizers []recognizer
	redactChar  string
	memo        *otter.Cache[string, *operatedPII]
}

func newPIIHook(p *store.Policy) (pipeline.Hook, error) {
	opts := p.PII

	var recognizers []recognizer
	if len(opts.Entities) == 0 {
		recognizers = append(recognizers, builtinRecognizers...)
	} else {
		enabled := make(map[string]bool, len(opts.Entities))
		for _, e := range opts.Entities {
			enabled[e] = true
		}
		for _, r := range builtinRecognizers {
			if enabled[r.entity] {
				recognizers = append(recognizers, r)
			}
		}
	}

	for _, spec := range opts.CustomPatterns {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("policy %s: pii pattern %q: %w", p.ID, spec.Entity, err)
		}
		recognizers = append(recognizers, recognizer{entity: spec.Entity, re: re})
	}

	redactChar := opts.RedactionCharacter
	if redactChar == "" {
		redactChar = defaultRedactChar
	}

	switch opts.Action {
	case store.ActionRedaction, store.ActionAnonymization, store.ActionTokenization:
	default:
		return nil, fmt.Errorf("policy %s: unknown pii action %q", p.ID, opts.Action)
	}

	memo, err := newMemo[*operatedPII]()
	if err != nil {
		return nil, err
	}

	return &piiHook{
		name:        hookName(p, store.ControlPII, opts.Action),
		action:      opts.Action,
		recognizers: recognizers,
		redactChar:  redactChar,
		memo:        memo,
	}, nil
}

func (h *piiHook) Name() string  { return h.name }
func (h *piiHook) Priority() int { return 2 }

// analyze collects non-overlapping matches across all recognizers. On
// overlap the earlier, longer match wins.
func (h *piiHook) analyze(text string) []piiMatch {
	var matches []piiMatch
	for _, r := range h.recognizers {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			matches = append(matches, piiMatch{
				entity:     r.entity,
				start:      loc[0],
				end:        loc[1],
				predefined: r.predefined,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	kept := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.end
	}
	return kept
}

func newToken() string {
	return tokenTag + strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLen]
}

func (h *piiHook) replacement(original string, m piiMatch, op *operatedPII) string {
	switch h.action {
	case store.ActionTokenization:
		token := newToken()
		op.tokenized[token] = original
		return token

	case store.ActionAnonymization:
		if m.predefined {
			return "<" + m.entity + ">"
		}
		return strings.Repeat(h.redactChar, len([]rune(original)))

	default: // Redaction
		return strings.Repeat(h.redactChar, len([]rune(original)))
	}
}

func (h *piiHook) operate(text string) *operatedPII {
	if cached, ok := h.memo.GetIfPresent(text); ok {
		return cached
	}

	op := &operatedPII{text: text, tokenized: map[string]string{}}

	matches := h.analyze(text)
	// Replace right to left so earlier offsets stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		op.entities = append(op.entities, m.entity)
		op.text = op.text[:m.start] + h.replacement(text[m.start:m.end], m, op) + op.text[m.end:]
	}

	h.memo.Set(text, op)
	return op
}

func (h *piiHook) recordHit(pc *pipeline.Context, text string, op *operatedPII) {
	pc.RecordEvent(usage.PolicyEvent{
		Policy:   store.ControlPII,
		Action:   h.action,
		Priority: 2,
		Samples:  op.entities,
	})
	pc.DigestWrite(text, h.name)
}

func (h *piiHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	tokenized := map[string]string{}

	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role != "user" && !strings.HasSuffix(m.Content, piiMarker) {
			continue
		}

		op := h.operate(m.Content)
		if len(op.entities) > 0 {
			h.recordHit(pc, m.Content, op)
		}
		for token, original := range op.tokenized {
			tokenized[token] = original
		}
		m.Content = op.text
	}

	if h.action != store.ActionTokenization {
		return nil, nil
	}
	return &untokenizeTail{
		tokenized:    tokenized,
		untokenizers: map[int]*pipeline.ChunkedUntokenizer{},
	}, nil
}

func (h *piiHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	processed := make([]string, 0, len(inputs))
	for _, content := range inputs {
		op := h.operate(content)
		if len(op.entities) > 0 {
			h.recordHit(pc, content, op)
		}
		processed = append(processed, op.text)
	}
	req.SetStrings(processed)
	return nil, nil
}

// untokenizeTail restores tokenized PII in responses. The complete-response
// path replaces whole tokens and appends the invisible marker once; the
// stream path feeds per-choice untokenizers that tolerate tokens split
// across chunk boundaries and appends the marker with the end-of-stream
// flush, so the client sees it too.
type untokenizeTail struct {
	tokenized    map[string]string
	untokenizers map[int]*pipeline.ChunkedUntokenizer
}

func (t *untokenizeTail) OnResponse(pc *pipeline.Context, resp *oai.ChatResponse) error {
	for i := range resp.Choices {
		msg := resp.Choices[i].Message
		if msg == nil || msg.Content == "" {
			continue
		}
		restored := false
		for _, token := range tokenPattern.FindAllString(msg.Content, -1) {
			original, ok := t.tokenized[token]
			if !ok {
				continue
			}
			msg.Content = strings.ReplaceAll(msg.Content, token, original)
			restored = true
		}
		if restored {
			msg.Content += piiMarker
		}
	}
	return nil
}

func (t *untokenizeTail) choiceUntokenizer(choice int) *pipeline.ChunkedUntokenizer {
	u, ok := t.untokenizers[choice]
	if !ok {
		// The length covers the tag rune plus the random part.
		u = pipeline.NewChunkedUntokenizer(tokenTag, tokenLen+1, t.tokenized)
		t.untokenizers[choice] = u
	}
	return u
}

func (t *untokenizeTail) Transform(choice int, text string) string {
	return t.choiceUntokenizer(choice).Feed(text)
}

func (t *untokenizeTail) Flush(choice int) string {
	u, ok := t.untokenizers[choice]
	if !ok {
		return ""
	}
	rest := u.Pending()
	if u.Restored() {
		rest += piiMarker
	}
	return rest
}
