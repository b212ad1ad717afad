// Package openai provides an llm.Embedder backed by the OpenAI Embeddings
// API using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/cortex/llm"
)

type (
	// EmbeddingsClient captures the subset of the OpenAI SDK client used
	// by the adapter. It is satisfied by *sdk.EmbeddingService so callers
	// can pass either a real client or a mock in tests.
	EmbeddingsClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the embedding model identifier. Required. The model
		// fixes the vector dimension for the deployment.
		Model string
	}

	// Client implements llm.Embedder on top of OpenAI Embeddings.
	Client struct {
		emb   EmbeddingsClient
		model string
	}
)

var _ llm.Embedder = (*Client)(nil)

// New builds an embedder from the provided Embeddings client and options.
func New(emb EmbeddingsClient, opts Options) (*Client, error) {
	if emb == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{emb: emb, model: opts.Model}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Embeddings, Options{Model: model})
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	resp, err := c.emb.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings.new: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings.new: empty response")
	}
	return resp.Data[0].Embedding, nil
}
