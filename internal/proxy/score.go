package proxy

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// The score endpoints speak the Azure ML online-endpoint protocol: the model
// comes from the path, the payload from input_data/input_string (chat), a
// bare prompt string (prompt) or a documents list (embedding). A raw OpenAI
// body is accepted on the chat flavour too.

type scoreParams struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
}

type scoreInputData struct {
	InputString []oai.Message `json:"input_string"`
	Parameters  *scoreParams  `json:"parameters,omitempty"`
}

type chatScoreBody struct {
	oai.ChatRequest
	InputData *scoreInputData `json:"input_data,omitempty"`
}

type promptScoreBody struct {
	Prompt string `json:"prompt"`
}

type embeddingScoreBody struct {
	Documents json.RawMessage `json:"documents"`
}

func scoreModel(ctx *fasthttp.RequestCtx) string {
	model, _ := ctx.UserValue("model").(string)
	return model
}

// chatScoreToOpenAI maps the input_data payload onto a chat request.
func chatScoreToOpenAI(in *scoreInputData, model string) *oai.ChatRequest {
	req := &oai.ChatRequest{Model: model}
	if in == nil {
		return req
	}
	for _, m := range in.InputString {
		switch m.Role {
		case "user", "assistant", "system":
			req.Messages = append(req.Messages, m)
		}
	}
	if p := in.Parameters; p != nil {
		req.Temperature = p.Temperature
		req.MaxTokens = p.MaxNewTokens
		req.TopP = p.TopP
	}
	return req
}

func (s *Server) handleChatScore(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var body chatScoreBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		s.reject(ctx, apierr.Validation("Request body must be a valid JSON object"))
		return
	}

	model := scoreModel(ctx)
	var req *oai.ChatRequest
	if len(body.Messages) > 0 {
		// Raw OpenAI bodies pass through with the path model.
		req = &body.ChatRequest
		req.Model = model
	} else {
		if body.InputData == nil || len(body.InputData.InputString) == 0 {
			s.reject(ctx, apierr.Validation("Field required - 'input_data.input_string'"))
			return
		}
		req = chatScoreToOpenAI(body.InputData, model)
	}
	req.Stream = false

	s.logBody("LHS", ctx.PostBody())

	out, err := s.runner.Completion(ctx, key, req)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	s.writeScoreOutput(ctx, out.Response)
}

func (s *Server) handlePromptScore(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var body promptScoreBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		s.reject(ctx, apierr.Validation("Request body must be a valid JSON object"))
		return
	}
	if body.Prompt == "" {
		s.reject(ctx, apierr.Validation("Field required - 'prompt'"))
		return
	}

	s.logBody("LHS", ctx.PostBody())

	req := &oai.ChatRequest{
		Model:    scoreModel(ctx),
		Messages: []oai.Message{{Role: "user", Content: body.Prompt}},
	}

	out, err := s.runner.Completion(ctx, key, req)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	s.writeScoreOutput(ctx, out.Response)
}

func (s *Server) handleEmbeddingScore(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var body embeddingScoreBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		s.reject(ctx, apierr.Validation("Request body must be a valid JSON object"))
		return
	}
	if len(body.Documents) == 0 {
		s.reject(ctx, apierr.Validation("Field required - 'documents'"))
		return
	}

	s.logBody("LHS", ctx.PostBody())

	req := &oai.EmbeddingRequest{
		Model: scoreModel(ctx),
		Input: body.Documents,
	}

	resp, err := s.runner.Embedding(ctx, key, req)
	if err != nil {
		s.reject(ctx, err)
		return
	}

	// The score reply is the first vector, bare.
	if len(resp.Data) == 0 {
		s.writeResponse(ctx, []float64{})
		return
	}
	s.writeResponse(ctx, resp.Data[0].Embedding)
}

// writeScoreOutput reduces a chat response to the score envelope.
func (s *Server) writeScoreOutput(ctx *fasthttp.RequestCtx, resp *oai.ChatResponse) {
	out := map[string]any{}
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out["output"] = resp.Choices[0].Message.Content
	}
	s.writeResponse(ctx, out)
}
