// Package providers defines the common interfaces and types used by all
// upstream provider implementations (OpenAI, Azure OpenAI, Bedrock, Gemini,
// Mistral, Anthropic, OpenAI-compatible endpoints, and the Azure-ML score
// family).
//
// Each provider lives in its own sub-package, is constructed from the
// credentials block of its provider document, and normalizes native errors
// into pkg/apierr provider errors. Providers that support vector embeddings
// additionally implement EmbeddingProvider.
package providers

import (
	"context"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/oai"
)

// Feature tags advertised by providers and requested by the pool filter.
const (
	FeatureMessages = "messages"
	FeatureStream   = "stream"
	FeatureN        = "n"
	FeatureTools    = "tools"
)

// Features is a provider capability set.
type Features []string

// DefaultFeatures is the full capability set; providers restrict it.
var DefaultFeatures = Features{FeatureMessages, FeatureStream, FeatureN, FeatureTools}

// Has reports whether f contains the given feature.
func (f Features) Has(feature string) bool {
	for _, x := range f {
		if x == feature {
			return true
		}
	}
	return false
}

// Superset reports whether f contains every requested feature.
func (f Features) Superset(requested ...string) bool {
	for _, r := range requested {
		if !f.Has(r) {
			return false
		}
	}
	return true
}

// StreamItem is one event of a streaming completion. A non-nil Err is
// terminal; the channel is closed after it.
type StreamItem struct {
	Chunk *oai.Chunk
	Err   error
}

// Result is a completion outcome: exactly one of Response or Stream is set.
type Result struct {
	Response *oai.ChatResponse
	Stream   <-chan StreamItem
}

// Provider is the upstream client contract.
type Provider interface {
	Kind() string
	Features() Features
	Completion(ctx context.Context, req *oai.ChatRequest) (*Result, error)
}

// EmbeddingProvider is implemented by providers that support the embeddings
// API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embedding(ctx context.Context, req *oai.EmbeddingRequest) (*oai.EmbeddingResponse, error)
}

// DefaultTimeout is the upstream HTTP timeout used when the provider
// document carries none.
const DefaultTimeout = 30 * time.Second

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
