package openai

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbeddings struct {
	got  sdk.EmbeddingNewParams
	resp *sdk.CreateEmbeddingResponse
	err  error
}

func (f *fakeEmbeddings) New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error) {
	f.got = body
	return f.resp, f.err
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)
	_, err = New(&fakeEmbeddings{}, Options{})
	require.Error(t, err)
}

func TestEmbed(t *testing.T) {
	fake := &fakeEmbeddings{
		resp: &sdk.CreateEmbeddingResponse{
			Data: []sdk.Embedding{{Embedding: []float64{0.1, 0.2, 0.3}}},
		},
	}
	c, err := New(fake, Options{Model: "text-embedding-3-small"})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, sdk.EmbeddingModel("text-embedding-3-small"), fake.got.Model)
	require.True(t, fake.got.Input.OfString.Valid())
	assert.Equal(t, "some text", fake.got.Input.OfString.Value)
}

func TestEmbedRequiresText(t *testing.T) {
	c, err := New(&fakeEmbeddings{}, Options{Model: "m"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "")
	require.Error(t, err)
}

func TestEmbedEmptyResponse(t *testing.T) {
	c, err := New(&fakeEmbeddings{resp: &sdk.CreateEmbeddingResponse{}}, Options{Model: "m"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestEmbedPropagatesError(t *testing.T) {
	cause := errors.New("rate limited")
	c, err := New(&fakeEmbeddings{err: cause}, Options{Model: "m"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "text")
	require.ErrorIs(t, err, cause)
}
