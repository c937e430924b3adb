package pipeline

import (
	"encoding/hex"
	"hash"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2s"

	"github.com/trussedhq/trussed-gateway/internal/oai"
	"github.com/trussedhq/trussed-gateway/internal/pool"
	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
)

// digestLen is the truncated policy digest size in bytes.
const digestLen = 12

// Context carries everything one request accumulates while moving through
// the pipeline: the authenticated key, its model pool, the bound hooks, the
// policy trail and the usage bookkeeping.
type Context struct {
	RequestID string
	StartedAt time.Time

	Key   *store.APIKey
	Pool  *pool.ModelPool
	Hooks []Hook

	// Candidate is the provider/model pair currently being attempted.
	Candidate *pool.Candidate
	// PoolID is set when the requested model resolved through a pool grant.
	PoolID string

	// PolicyResponses is the public policy metadata attached to replies.
	PolicyResponses []oai.PolicyResponse
	// Events is the private per-hook trail recorded into usage.
	Events []usage.PolicyEvent

	digest      hash.Hash
	digestCount int

	// eventsObserved keeps the telemetry observer from double-counting the
	// hook trail when a request records more than one usage row.
	eventsObserved bool
}

func newContext(key *store.APIKey, mp *pool.ModelPool, hooks []Hook) *Context {
	d, _ := blake2s.New256(nil)
	return &Context{
		RequestID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Key:       key,
		Pool:      mp,
		Hooks:     hooks,
		digest:    d,
	}
}

// RecordEvent appends a private policy event.
func (pc *Context) RecordEvent(ev usage.PolicyEvent) {
	pc.Events = append(pc.Events, ev)
}

// AddPolicyResponse appends public policy metadata.
func (pc *Context) AddPolicyResponse(pr oai.PolicyResponse) {
	pc.PolicyResponses = append(pc.PolicyResponses, pr)
}

// DigestWrite feeds one policy-relevant text into the rolling digest,
// namespaced by the hook that produced it.
func (pc *Context) DigestWrite(text, hookID string) {
	if pc.digest == nil {
		pc.digest, _ = blake2s.New256(nil)
	}
	pc.digest.Write([]byte(text))
	pc.digest.Write([]byte(hookID))
	pc.digestCount++
}

// PolicyDigest returns the truncated hex digest of everything written so
// far, or "" when no hook wrote anything.
func (pc *Context) PolicyDigest() string {
	if pc.digestCount == 0 {
		return ""
	}
	sum := pc.digest.Sum(nil)
	return hex.EncodeToString(sum[:digestLen])
}

// ResponseTime reports elapsed wall time in milliseconds.
func (pc *Context) ResponseTime() float64 {
	return float64(time.Since(pc.StartedAt).Microseconds()) / 1000
}

// NewUsage builds the usage record skeleton for the current attempt.
func (pc *Context) NewUsage() *usage.Record {
	r := &usage.Record{
		ID:             store.NewID(),
		Timestamp:      time.Now().UTC(),
		ResponseTimeMs: pc.ResponseTime(),
		Metadata: usage.Metadata{
			Owner:  pc.Key.Owner,
			KeyID:  pc.Key.ID,
			PoolID: pc.PoolID,
			Tags:   pc.Key.Tags,
			DevID:  pc.Key.DevID,
			Scopes: pc.Key.Scopes,
		},
		PolicyEvents: pc.Events,
		PolicyDigest: pc.PolicyDigest(),
		PolicyCount:  len(pc.Events),
	}
	if c := pc.Candidate; c != nil {
		r.Metadata.LLMID = c.LLM.ID
		r.Metadata.Provider = c.LLM.Kind
		r.Metadata.Model = c.Model.Name
		r.Metadata.Alias = c.Model.Alias
	}
	return r
}
