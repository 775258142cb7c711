package interfaces

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// CompleteOptions holds optional generation parameters
type CompleteOptions struct {
	System      string
	Schema      *jsonschema.Schema
	Temperature *float32
}

// CompleteOption is a functional option for LLMClient.Complete
type CompleteOption func(*CompleteOptions)

// WithSystem sets the system instruction
func WithSystem(system string) CompleteOption {
	return func(o *CompleteOptions) {
		o.System = system
	}
}

// WithSchema requests a JSON response conforming to schema
func WithSchema(schema *jsonschema.Schema) CompleteOption {
	return func(o *CompleteOptions) {
		o.Schema = schema
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(temperature float32) CompleteOption {
	return func(o *CompleteOptions) {
		o.Temperature = &temperature
	}
}

// NewCompleteOptions applies opts to an empty CompleteOptions
func NewCompleteOptions(opts ...CompleteOption) *CompleteOptions {
	o := &CompleteOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LLMClient is a text generation backend
type LLMClient interface {
	Complete(ctx context.Context, prompt string, opts ...CompleteOption) (string, error)
}

// Embedder is an embedding backend
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Scorer grades a candidate answer against a reference answer. Scores are in
// [0, 1].
type Scorer interface {
	Score(ctx context.Context, candidate, reference string) (float64, error)
}

// ReasonScorer is a Scorer that can explain its score
type ReasonScorer interface {
	Scorer
	ScoreReason(ctx context.Context, candidate, reference string) (float64, string, error)
}
