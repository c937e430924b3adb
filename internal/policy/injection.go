package policy

import (
	"context"
	"strings"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

type operatedInjection struct {
	text    string
	score   float64
	samples []string
}

// injectionHook scores user text with the remote SAFE/INJECTION classifier.
// Sanitization re-scores pairwise-joined sentences and removes both members
// of any pair over the threshold; the other actions act on the whole text.
type injectionHook struct {
	name          string
	action        string
	threshold     float64
	customMessage string
	client        *Classifier
	memo          *otter.Cache[string, *operatedInjection]
}

func newInjectionHook(p *store.Policy, client *Classifier) (pipeline.Hook, error) {
	memo, err := newMemo[*operatedInjection]()
	if err != nil {
		return nil, err
	}
	return &injectionHook{
		name:          hookName(p, store.ControlInjection, p.Injection.Action),
		action:        p.Injection.Action,
		threshold:     p.Injection.Threshold,
		customMessage: p.Injection.CustomMessage,
		client:        client,
		memo:          memo,
	}, nil
}

func (h *injectionHook) Name() string  { return h.name }
func (h *injectionHook) Priority() int { return 3 }

// injectionScore folds a label into an injection probability.
func injectionScore(l Label) float64 {
	switch l.Label {
	case labelSafe:
		return 1 - l.Score
	case labelInjection:
		return l.Score
	}
	return 0
}

func (h *injectionHook) operate(ctx context.Context, text string) (*operatedInjection, error) {
	if cached, ok := h.memo.GetIfPresent(text); ok {
		return cached, nil
	}

	var (
		op  *operatedInjection
		err error
	)
	if h.action == store.ActionSanitization {
		op, err = h.operateSanitize(ctx, text)
	} else {
		op, err = h.operateWhole(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	h.memo.Set(text, op)
	return op, nil
}

func (h *injectionHook) operateWhole(ctx context.Context, text string) (*operatedInjection, error) {
	labels, err := h.client.Classify(ctx, []string{text})
	if err != nil {
		return nil, apierr.PolicyNotReady(h.name)
	}

	op := &operatedInjection{text: text}
	for _, l := range labels {
		if s := injectionScore(l); s > op.score {
			op.score = s
		}
	}
	if op.score > h.threshold {
		op.samples = []string{text}
	}
	return op, nil
}

// operateSanitize scores each adjacent sentence pair so an injection split
// across a sentence boundary is still caught, and strips both sentences of
// any pair over the threshold.
func (h *injectionHook) operateSanitize(ctx context.Context, text string) (*operatedInjection, error) {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		sentences = append(sentences, "")
	}

	joined := make([]string, 0, len(sentences)-1)
	for i := 0; i+1 < len(sentences); i++ {
		joined = append(joined, strings.TrimSpace(sentences[i]+" "+sentences[i+1]))
	}

	labels, err := h.client.Classify(ctx, joined)
	if err != nil {
		return nil, apierr.PolicyNotReady(h.name)
	}

	op := &operatedInjection{text: text}
	for i, l := range labels {
		score := injectionScore(l)
		if score > h.threshold {
			op.samples = append(op.samples, joined[i])
			op.text = strings.ReplaceAll(op.text, sentences[i], "")
			op.text = strings.ReplaceAll(op.text, sentences[i+1], "")
		}
		if score > op.score {
			op.score = score
		}
	}
	return op, nil
}

func (h *injectionHook) process(ctx context.Context, pc *pipeline.Context, text string) (string, error) {
	if !h.client.Ready() {
		return "", apierr.PolicyNotReady(h.name)
	}

	op, err := h.operate(ctx, text)
	if err != nil {
		return "", err
	}

	pc.AddPolicyResponse(oai.PolicyResponse{
		PolicyType: store.ControlInjection,
		Result:     []map[string]float64{{"score": op.score}},
	})

	if len(op.samples) == 0 {
		return text, nil
	}

	pc.RecordEvent(usage.PolicyEvent{
		Policy:   store.ControlInjection,
		Action:   h.action,
		Priority: 3,
		Samples:  []string{sample(op.samples[0])},
	})
	pc.DigestWrite(text, h.name)

	switch h.action {
	case store.ActionSanitization:
		return op.text, nil
	case store.ActionCustomResponse:
		return "", &pipeline.InstantResponse{Response: oai.Stub("", h.customMessage)}
	case store.ActionBan:
		return "", apierr.PromptInjection()
	default: // Disabled
		return text, nil
	}
}

func (h *injectionHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role != "user" {
			continue
		}
		processed, err := h.process(ctx, pc, m.Content)
		if err != nil {
			return nil, err
		}
		m.Content = processed
	}
	return nil, nil
}

func (h *injectionHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	processed := make([]string, 0, len(inputs))
	for _, content := range inputs {
		out, err := h.process(ctx, pc, content)
		if err != nil {
			var inst *pipeline.InstantResponse
			if asInstant(err, &inst) {
				return nil, apierr.PromptInjection()
			}
			return nil, err
		}
		processed = append(processed, out)
	}
	req.SetStrings(processed)
	return nil, nil
}
