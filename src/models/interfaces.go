package models

import (
	"context"
)

// ProviderAdapter is the uniform contract the router invokes to perform
// inference. Implementations wrap one provider SDK and classify their
// failures as transient or permanent via ProviderError.
type ProviderAdapter interface {
	// Name returns the provider name this adapter serves.
	Name() string

	// Invoke performs one inference call against the given model. The
	// adapter honors its own timeout through ctx; the gateway never
	// cancels a call mid-flight.
	Invoke(ctx context.Context, model ModelDescriptor, req *InferenceRequest) (*InferenceResult, error)
}

// Embedder vectorizes request text for the semantic cache. Failure is
// non-fatal: the cache degrades to a miss.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Inferencer is the gateway surface the HTTP layer depends on.
type Inferencer interface {
	Infer(ctx context.Context, req *InferenceRequest) (*InferenceResult, error)
}
