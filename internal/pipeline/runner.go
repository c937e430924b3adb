// Package pipeline drives a request from the authenticated key to a
// provider response: hook entries, candidate failover, usage accounting and
// budget detail attachment.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/budget"
	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pool"
	"github.com/trussedhq/trussed-gateway/internal/providers"
	"github.com/trussedhq/trussed-gateway/internal/registry"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
	"github.com/trussedhq/trussed-gateway/pkg/apierr"
)

// HookLoader resolves a key's policy documents into a bound hook set.
type HookLoader func(ctx context.Context, policyIDs []string) ([]Hook, error)

// Observer receives pipeline telemetry. A nil observer disables it.
type Observer interface {
	RecordProvider(provider, outcome string)
	RecordFailover(model string)
	RecordPolicyHit(policy, action string)
	AddUsageCost(llm string, dollars float64)
}

// Outcome is the pipeline result: a complete response or a live stream.
type Outcome struct {
	Response *oai.ChatResponse
	Stream   <-chan providers.StreamItem
}

// Runner wires the pipeline dependencies together.
type Runner struct {
	Store    *store.Store
	Pools    *pool.Builder
	Registry *registry.Registry
	Budget   *budget.Cache
	Usage    *usage.Queue
	Hooks    HookLoader
	Breakers *BreakerSet
	Observer Observer
	Log      *slog.Logger

	// ResponseWithSpend attaches remaining/spent budget to replies.
	ResponseWithSpend bool
}

// NewContext assembles the per-request context: the key's model pool and
// its hook set ordered by priority.
func (r *Runner) NewContext(ctx context.Context, key *store.APIKey) (*Context, error) {
	mp, err := r.Pools.For(ctx, key)
	if err != nil {
		return nil, err
	}

	var hooks []Hook
	if r.Hooks != nil && len(key.PolicyIDs) > 0 {
		hooks, err = r.Hooks(ctx, key.PolicyIDs)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority() < hooks[j].Priority() })
	}

	return newContext(key, mp, hooks), nil
}

// Completion runs the full chat pipeline.
func (r *Runner) Completion(ctx context.Context, key *store.APIKey, req *oai.ChatRequest) (*Outcome, error) {
	pc, err := r.NewContext(ctx, key)
	if err != nil {
		return nil, err
	}

	// Candidates resolve before anything else: an unknown model is reported
	// as such even when the prompt would also trip a policy.
	candidates, err := pc.Pool.Select(req.Model)
	if err != nil {
		r.recordError(ctx, pc, err)
		return nil, err
	}

	if err := r.promptPreflight(pc, req); err != nil {
		r.recordError(ctx, pc, err)
		return nil, err
	}

	// Hook entries run in priority order and collect response tails.
	var (
		tails       []Tail
		streamTails []StreamTail
	)
	for _, h := range pc.Hooks {
		tail, err := h.OnCompletion(ctx, pc, req)
		if err != nil {
			var inst *InstantResponse
			if errors.As(err, &inst) && inst.Response != nil {
				r.attachPolicy(ctx, pc, inst.Response)
				r.recordSuccess(ctx, pc, &oai.Usage{}, false)
				return &Outcome{Response: inst.Response}, nil
			}
			r.recordError(ctx, pc, err)
			return nil, err
		}
		if tail != nil {
			tails = append(tails, tail)
			if st, ok := tail.(StreamTail); ok {
				streamTails = append(streamTails, st)
			}
		}
	}

	needed := requestedFeatures(req)

	var (
		lastErr     error
		featureMiss bool
	)
	now := time.Now().UTC()

	for i := range candidates {
		cand := candidates[i]
		pc.Candidate = &cand
		pc.PoolID = cand.PoolID
		llm := cand.LLM

		if llm.UnbudgetedUntil != nil && llm.UnbudgetedUntil.After(now) {
			lastErr = apierr.UnbudgetedModel(llm.UnbudgetedUntil.Sub(now))
			r.recordError(ctx, pc, lastErr)
			continue
		}

		if !r.Breakers.Allow(llm.ID) {
			lastErr = apierr.ResourceNotReady("The provider is temporarily suspended, try again later")
			continue
		}

		provider, err := r.Registry.Resolve(ctx, llm)
		if err != nil {
			lastErr = err
			r.recordError(ctx, pc, err)
			continue
		}

		if !provider.Features().Superset(needed...) {
			featureMiss = true
			continue
		}

		upstream := *req
		upstream.Model = cand.Model.Name

		res, err := provider.Completion(ctx, &upstream)
		if err != nil {
			r.Breakers.RecordFailure(llm.ID)
			r.recordError(ctx, pc, err)
			if r.Observer != nil {
				r.Observer.RecordProvider(llm.Kind, "error")
				if i < len(candidates)-1 {
					r.Observer.RecordFailover(req.Model)
				}
			}
			lastErr = err
			continue
		}
		r.Breakers.RecordSuccess(llm.ID)
		if r.Observer != nil {
			r.Observer.RecordProvider(llm.Kind, "ok")
		}

		if res.Stream != nil {
			ts := NewTrackingStream(res.Stream, streamTails, req.Model, func(built *oai.ChatResponse, streamErr error) {
				if streamErr != nil {
					r.recordError(ctx, pc, streamErr)
					return
				}
				for _, tail := range tails {
					if err := tail.OnResponse(pc, built); err != nil {
						r.Log.Error("pipeline: stream tail", slog.String("error", err.Error()))
					}
				}
				r.recordSuccess(ctx, pc, &built.Usage, true)
			})
			return &Outcome{Stream: ts.Chunks()}, nil
		}

		resp := res.Response
		resp.Model = req.Model
		for _, tail := range tails {
			if err := tail.OnResponse(pc, resp); err != nil {
				r.recordError(ctx, pc, err)
				return nil, err
			}
		}
		r.attachPolicy(ctx, pc, resp)
		r.recordSuccess(ctx, pc, &resp.Usage, false)
		return &Outcome{Response: resp}, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	if featureMiss {
		err := apierr.UnsupportedFeatures(needed...)
		r.recordError(ctx, pc, err)
		return nil, err
	}
	err = apierr.UnlistedModel(req.Model, pc.Pool.Known())
	r.recordError(ctx, pc, err)
	return nil, err
}

// Embedding runs the embeddings pipeline. Hooks still gate the input, but
// tails do not apply: there is no text to rewrite on the way back.
func (r *Runner) Embedding(ctx context.Context, key *store.APIKey, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error) {
	pc, err := r.NewContext(ctx, key)
	if err != nil {
		return nil, err
	}

	candidates, err := pc.Pool.Select(req.Model)
	if err != nil {
		r.recordError(ctx, pc, err)
		return nil, err
	}

	for _, h := range pc.Hooks {
		if _, err := h.OnEmbedding(ctx, pc, req); err != nil {
			var inst *InstantResponse
			if errors.As(err, &inst) {
				if inst.Embedding != nil {
					r.recordSuccess(ctx, pc, &oai.Usage{}, false)
					return inst.Embedding, nil
				}
				// Canned chat replies have no embedding shape: treat the
				// short-circuit as a ban.
				err = apierr.PromptInjection()
			}
			r.recordError(ctx, pc, err)
			return nil, err
		}
	}

	var lastErr error
	now := time.Now().UTC()

	for i := range candidates {
		cand := candidates[i]
		pc.Candidate = &cand
		pc.PoolID = cand.PoolID
		llm := cand.LLM

		if llm.UnbudgetedUntil != nil && llm.UnbudgetedUntil.After(now) {
			lastErr = apierr.UnbudgetedModel(llm.UnbudgetedUntil.Sub(now))
			r.recordError(ctx, pc, lastErr)
			continue
		}

		provider, err := r.Registry.Resolve(ctx, llm)
		if err != nil {
			lastErr = err
			r.recordError(ctx, pc, err)
			continue
		}

		ep, ok := provider.(providers.EmbeddingProvider)
		if !ok {
			lastErr = apierr.UnsupportedFeatures("embeddings")
			continue
		}

		upstream := *req
		upstream.Model = cand.Model.Name

		resp, err := ep.Embedding(ctx, &upstream)
		if err != nil {
			r.Breakers.RecordFailure(llm.ID)
			r.recordError(ctx, pc, err)
			if r.Observer != nil {
				r.Observer.RecordProvider(llm.Kind, "error")
				if i < len(candidates)-1 {
					r.Observer.RecordFailover(req.Model)
				}
			}
			lastErr = err
			continue
		}
		r.Breakers.RecordSuccess(llm.ID)
		if r.Observer != nil {
			r.Observer.RecordProvider(llm.Kind, "ok")
		}

		resp.Model = req.Model
		resp.ControllerPolicy = pc.PolicyResponses
		r.attachSpend(ctx, pc, &resp.RemainingBudget, &resp.SpentBudget)
		r.recordSuccess(ctx, pc, &resp.Usage, false)
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	err = apierr.UnlistedModel(req.Model, pc.Pool.Known())
	r.recordError(ctx, pc, err)
	return nil, err
}

// promptPreflight rejects prompts over the key's token allowance, estimated
// as whitespace words divided by 0.75.
func (r *Runner) promptPreflight(pc *Context, req *oai.ChatRequest) error {
	limit := pc.Key.MaxPromptTokens
	if limit <= 0 {
		return nil
	}
	words := 0
	for _, m := range req.Messages {
		words += len(strings.Fields(m.Content))
	}
	if estimate := float64(words) / 0.75; estimate > float64(limit) {
		return apierr.PromptLimit(limit)
	}
	return nil
}

func requestedFeatures(req *oai.ChatRequest) []string {
	needed := []string{providers.FeatureMessages}
	if req.Stream {
		needed = append(needed, providers.FeatureStream)
	}
	if req.N != nil && *req.N > 1 {
		needed = append(needed, providers.FeatureN)
	}
	if len(req.Tools) > 0 {
		needed = append(needed, providers.FeatureTools)
	}
	return needed
}

func (r *Runner) attachPolicy(ctx context.Context, pc *Context, resp *oai.ChatResponse) {
	resp.ControllerPolicy = pc.PolicyResponses
	r.attachSpend(ctx, pc, &resp.RemainingBudget, &resp.SpentBudget)
}

// attachSpend reads the key and provider budget snapshots and reports the
// tighter one. Cache misses attach nothing by contract.
func (r *Runner) attachSpend(ctx context.Context, pc *Context, remaining, spent **float64) {
	if !r.ResponseWithSpend || r.Budget == nil {
		return
	}

	keyEntry, err := r.Budget.Get(ctx, pc.Key.ID)
	if err != nil {
		r.Log.Error("pipeline: budget cache", slog.String("error", err.Error()))
		return
	}
	var llmEntry *budget.Entry
	if pc.Candidate != nil {
		llmEntry, err = r.Budget.Get(ctx, pc.Candidate.LLM.ID)
		if err != nil {
			r.Log.Error("pipeline: budget cache", slog.String("error", err.Error()))
			return
		}
	}

	if rem, sp, ok := budget.Spend(keyEntry, llmEntry); ok {
		*remaining = &rem
		*spent = &sp
	}
}

// observeEvents reports each hook firing once per request.
func (r *Runner) observeEvents(pc *Context) {
	if r.Observer == nil || pc.eventsObserved {
		return
	}
	pc.eventsObserved = true
	for _, ev := range pc.Events {
		r.Observer.RecordPolicyHit(ev.Policy, ev.Action)
	}
}

func (r *Runner) recordSuccess(ctx context.Context, pc *Context, u *oai.Usage, stream bool) {
	r.observeEvents(pc)
	rec := pc.NewUsage()
	rec.IsStream = stream
	if pc.Candidate != nil {
		rec.SetModelUsage(u.PromptTokens, u.CompletionTokens,
			pc.Candidate.Model.PriceInput, pc.Candidate.Model.PriceOutput)
		if r.Observer != nil {
			r.Observer.AddUsageCost(pc.Candidate.LLM.Name, rec.TotalCost)
		}
	}
	r.Usage.Enqueue(ctx, rec)
}

func (r *Runner) recordError(ctx context.Context, pc *Context, err error) {
	r.observeEvents(pc)
	rec := pc.NewUsage()
	e := apierr.From(err)
	rec.SetError(e.Error(), e.OpenAIType, e.HTTPCode, e.Internal)
	r.Usage.Enqueue(ctx, rec)
}
