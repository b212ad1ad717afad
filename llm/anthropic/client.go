// Package anthropic provides an llm.Generator backed by the Anthropic
// Messages API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/cortex/llm"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. It is satisfied by *sdk.MessageService so callers
	// can pass either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required. Prefer the
		// typed constants from anthropic-sdk-go.
		Model string
		// MaxTokens is the default completion cap when a request does
		// not specify one. Defaults to 1024.
		MaxTokens int
	}

	// Client implements llm.Generator on top of Anthropic Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}
)

var _ llm.Generator = (*Client)(nil)

// New builds a generator from the provided Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Generate issues a single-turn Messages.New request and concatenates the
// text blocks of the response.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Text != "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
