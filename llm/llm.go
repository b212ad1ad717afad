// Package llm defines the contracts for the external language-model
// dependencies: text generation for insight extraction and embeddings for
// semantic retrieval. Provider adapters live in the anthropic and openai
// subpackages.
package llm

import (
	"context"
	"fmt"
)

type (
	// GenerateRequest is one text-generation call.
	GenerateRequest struct {
		Prompt      string
		Temperature float64
		MaxTokens   int
	}

	// Generator produces text from a prompt. Used during consolidation
	// for insight extraction and reflection generation.
	Generator interface {
		Generate(ctx context.Context, req GenerateRequest) (string, error)
	}

	// Embedder turns text into a fixed-dimension vector. The dimension is
	// constant per deployment; retrieval scoring fails when stored and
	// query dimensions disagree.
	Embedder interface {
		Embed(ctx context.Context, text string) ([]float64, error)
	}
)

// DimensionMismatchError reports embeddings of different dimensions.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: %d vs %d", e.Want, e.Got)
}
