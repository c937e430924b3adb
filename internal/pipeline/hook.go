package pipeline

import (
	"context"

	"github.com/trussedhq/trussed-gateway/internal/oai"
)

// Hook is one content control bound to a request. Entry methods run before
// the upstream call, mutate the request in place, and may return a Tail to
// fold into the response on the way back.
//
// A hook aborts the request by returning an error (bans) or an
// *InstantResponse (canned replies that never reach the upstream).
type Hook interface {
	Name() string
	Priority() int

	OnCompletion(ctx context.Context, pc *Context, req *oai.ChatRequest) (Tail, error)
	OnEmbedding(ctx context.Context, pc *Context, req *oai.EmbeddingRequest) (Tail, error)
}

// Tail post-processes the assembled response. For streams the tail runs
// against the response rebuilt by the tracking stream after the last chunk.
type Tail interface {
	OnResponse(pc *Context, resp *oai.ChatResponse) error
}

// StreamTail is a Tail that additionally rewrites streamed text before it
// reaches the client. Transform may buffer; Flush drains the buffer at
// end of stream.
type StreamTail interface {
	Tail
	Transform(choice int, text string) string
	Flush(choice int) string
}

// TailFunc adapts a plain function to Tail.
type TailFunc func(pc *Context, resp *oai.ChatResponse) error

func (f TailFunc) OnResponse(pc *Context, resp *oai.ChatResponse) error { return f(pc, resp) }

// InstantResponse short-circuits the pipeline: the carried response is
// returned to the caller without contacting any upstream. It travels as an
// error value so hook signatures stay uniform.
type InstantResponse struct {
	Response  *oai.ChatResponse
	Embedding *oai.EmbeddingResponse
}

func (e *InstantResponse) Error() string { return "instant response" }
