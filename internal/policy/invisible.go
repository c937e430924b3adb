package policy

import (
	"context"
	"strings"
	"unicode"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// invisibleHook strips or bans format, private-use and unassigned code
// points hidden inside user messages.
type invisibleHook struct {
	name   string
	action string
	memo   *otter.Cache[string, string]
}

func newInvisibleHook(p *store.Policy) (pipeline.Hook, error) {
	memo, err := newMemo[string]()
	if err != nil {
		return nil, err
	}
	return &invisibleHook{
		name:   hookName(p, store.ControlInvisibleText, p.InvisibleText.Action),
		action: p.InvisibleText.Action,
		memo:   memo,
	}, nil
}

func (h *invisibleHook) Name() string  { return h.name }
func (h *invisibleHook) Priority() int { return 1 }

// isInvisible matches Cf (format), Co (private use) and Cn (unassigned).
func isInvisible(r rune) bool {
	if unicode.In(r, unicode.Cf, unicode.Co) {
		return true
	}
	return !unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z, unicode.C)
}

func (h *invisibleHook) operate(text string) string {
	if cached, ok := h.memo.GetIfPresent(text); ok {
		return cached
	}
	stripped := strings.Map(func(r rune) rune {
		if isInvisible(r) {
			return -1
		}
		return r
	}, text)
	h.memo.Set(text, stripped)
	return stripped
}

func (h *invisibleHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role != "user" {
			continue
		}

		stripped := h.operate(m.Content)
		if len(stripped) == len(m.Content) {
			continue
		}

		pc.RecordEvent(usage.PolicyEvent{
			Policy:   store.ControlInvisibleText,
			Action:   h.action,
			Priority: 1,
		})
		pc.DigestWrite(m.Content, h.name)

		if h.action != store.ActionSanitization {
			return nil, apierr.InvisibleText()
		}
		m.Content = stripped
	}
	return nil, nil
}

func (h *invisibleHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	return nil, nil
}
