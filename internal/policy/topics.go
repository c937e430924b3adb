package policy

import (
	"context"

	"github.com/maypok86/otter/v2"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pipeline"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// TopicScore is one scored topic of a zero-shot result.
type TopicScore struct {
	Topic string  `json:"topic"`
	Score float64 `json:"score"`
}

type operatedTopics struct {
	samples []string
	scores  []TopicScore
}

// topicsHook scores user text against the banned topic list with the remote
// zero-shot classifier. Each topic carries its own threshold.
type topicsHook struct {
	name          string
	action        string
	topics        []string
	thresholds    map[string]float64
	customMessage string
	client        *Classifier
	memo          *otter.Cache[string, *operatedTopics]
}

func newTopicsHook(p *store.Policy, client *Classifier) (pipeline.Hook, error) {
	thresholds := make(map[string]float64, len(p.Topics.BanTopics))
	topics := make([]string, 0, len(p.Topics.BanTopics))
	for _, t := range p.Topics.BanTopics {
		if _, ok := thresholds[t.Topic]; !ok {
			topics = append(topics, t.Topic)
		}
		thresholds[t.Topic] = t.Threshold
	}

	memo, err := newMemo[*operatedTopics]()
	if err != nil {
		return nil, err
	}

	return &topicsHook{
		name:          hookName(p, store.ControlTopics, p.Topics.Action),
		action:        p.Topics.Action,
		topics:        topics,
		thresholds:    thresholds,
		customMessage: p.Topics.CustomMessage,
		client:        client,
		memo:          memo,
	}, nil
}

func (h *topicsHook) Name() string  { return h.name }
func (h *topicsHook) Priority() int { return 3 }

func (h *topicsHook) operate(ctx context.Context, text string) (*operatedTopics, error) {
	if cached, ok := h.memo.GetIfPresent(text); ok {
		return cached, nil
	}

	result, err := h.client.ZeroShot(ctx, text, h.topics)
	if err != nil {
		return nil, apierr.PolicyNotReady(h.name)
	}

	op := &operatedTopics{}
	for i, topic := range result.Labels {
		score := result.Scores[i]
		op.scores = append(op.scores, TopicScore{Topic: topic, Score: score})
		if threshold, ok := h.thresholds[topic]; ok && score > threshold {
			op.samples = append(op.samples, topic)
		}
	}

	h.memo.Set(text, op)
	return op, nil
}

func (h *topicsHook) process(ctx context.Context, pc *pipeline.Context, text string) error {
	if len(h.topics) == 0 {
		return nil
	}
	if !h.client.Ready() {
		return apierr.PolicyNotReady(h.name)
	}

	op, err := h.operate(ctx, text)
	if err != nil {
		return err
	}

	pc.AddPolicyResponse(oai.PolicyResponse{
		PolicyType: store.ControlTopics,
		Result:     op.scores,
	})

	if len(op.samples) == 0 {
		return nil
	}

	pc.RecordEvent(usage.PolicyEvent{
		Policy:   store.ControlTopics,
		Action:   h.action,
		Priority: 3,
		Samples:  op.samples,
	})
	pc.DigestWrite(text, h.name)

	switch h.action {
	case store.ActionCustomResponse:
		return &pipeline.InstantResponse{Response: oai.Stub("", h.customMessage)}
	case store.ActionBan:
		return apierr.ForbiddenTopic()
	default: // Disabled
		return nil
	}
}

func (h *topicsHook) OnCompletion(ctx context.Context, pc *pipeline.Context, req *oai.ChatRequest) (pipeline.Tail, error) {
	for i := range req.Messages {
		if req.Messages[i].Role != "user" {
			continue
		}
		if err := h.process(ctx, pc, req.Messages[i].Content); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (h *topicsHook) OnEmbedding(ctx context.Context, pc *pipeline.Context, req *oai.EmbeddingRequest) (pipeline.Tail, error) {
	inputs, err := req.Strings()
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	for _, content := range inputs {
		if err := h.process(ctx, pc, content); err != nil {
			var inst *pipeline.InstantResponse
			if asInstant(err, &inst) {
				return nil, apierr.ForbiddenTopic()
			}
			return nil, err
		}
	}
	return nil, nil
}
