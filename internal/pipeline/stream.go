package pipeline

import (
	"sort"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/providers"
)

// TrackingStream forwards provider chunks to the client while rewriting
// their text through the stream tails and accumulating the full per-choice
// content. When the upstream closes, the accumulated content is folded into
// a complete response and handed to onDone, which writes the usage record.
type TrackingStream struct {
	src    <-chan providers.StreamItem
	out    chan providers.StreamItem
	tails  []StreamTail
	model  string
	onDone func(resp *oai.ChatResponse, streamErr error)
}

func NewTrackingStream(
	src <-chan providers.StreamItem,
	tails []StreamTail,
	model string,
	onDone func(resp *oai.ChatResponse, streamErr error),
) *TrackingStream {
	t := &TrackingStream{
		src:    src,
		out:    make(chan providers.StreamItem, 64),
		tails:  tails,
		model:  model,
		onDone: onDone,
	}
	go t.run()
	return t
}

// Chunks is the client-facing stream.
func (t *TrackingStream) Chunks() <-chan providers.StreamItem {
	return t.out
}

type choiceState struct {
	content      []byte
	finishReason string
	role         string
}

func (t *TrackingStream) run() {
	defer close(t.out)

	var (
		choices   = make(map[int]*choiceState)
		streamErr error
		lastID    string
		created   = time.Now().Unix()
		usageSeen *oai.Usage
	)

	state := func(idx int) *choiceState {
		cs, ok := choices[idx]
		if !ok {
			cs = &choiceState{}
			choices[idx] = cs
		}
		return cs
	}

	for item := range t.src {
		if item.Err != nil {
			streamErr = item.Err
			t.out <- item
			continue
		}

		chunk := item.Chunk
		if chunk.ID != "" {
			lastID = chunk.ID
		}
		if chunk.Created != 0 {
			created = chunk.Created
		}
		if chunk.Usage != nil {
			usageSeen = chunk.Usage
		}

		for i := range chunk.Choices {
			c := &chunk.Choices[i]
			cs := state(c.Index)
			if c.FinishReason != "" {
				cs.finishReason = c.FinishReason
			}
			if c.Delta == nil {
				continue
			}
			if c.Delta.Role != "" {
				cs.role = c.Delta.Role
			}
			text := c.Delta.Content
			for _, tail := range t.tails {
				text = tail.Transform(c.Index, text)
			}
			c.Delta.Content = text
			cs.content = append(cs.content, text...)
		}

		t.out <- providers.StreamItem{Chunk: chunk}
	}

	// Drain tail buffers: a token split across the stream end is emitted
	// verbatim in one synthetic chunk per choice.
	for idx, cs := range choices {
		var flushed string
		for _, tail := range t.tails {
			if rest := tail.Flush(idx); rest != "" {
				flushed += rest
			}
		}
		if flushed == "" {
			continue
		}
		cs.content = append(cs.content, flushed...)
		t.out <- providers.StreamItem{Chunk: &oai.Chunk{
			ID:      lastID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   t.model,
			Choices: []oai.Choice{{
				Index: idx,
				Delta: &oai.Message{Content: flushed},
			}},
		}}
	}

	if t.onDone != nil {
		t.onDone(t.build(choices, lastID, created, usageSeen), streamErr)
	}
}

// build assembles the combined response in choice-index order.
func (t *TrackingStream) build(choices map[int]*choiceState, id string, created int64, u *oai.Usage) *oai.ChatResponse {
	indices := make([]int, 0, len(choices))
	for idx := range choices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	resp := &oai.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   t.model,
	}
	if u != nil {
		resp.Usage = *u
	}
	for _, idx := range indices {
		cs := choices[idx]
		role := cs.role
		if role == "" {
			role = "assistant"
		}
		resp.Choices = append(resp.Choices, oai.Choice{
			Index:        idx,
			Message:      &oai.Message{Role: role, Content: string(cs.content)},
			FinishReason: cs.finishReason,
		})
	}
	return resp
}
