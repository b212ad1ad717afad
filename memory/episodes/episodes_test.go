package episodes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cortex/memory/sqlite"
)

type fakeEmbedder struct {
	vec []float64
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vec, f.err
}

func newLog(t *testing.T, embedder *fakeEmbedder) *Log {
	t.Helper()
	store, err := sqlite.New(sqlite.Options{Path: filepath.Join(t.TempDir(), "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	var opts Options
	opts.Store = store
	if embedder != nil {
		opts.Embedder = embedder
	}
	l, err := New(opts)
	require.NoError(t, err)
	return l
}

func TestRecordAndByRun(t *testing.T) {
	l := newLog(t, &fakeEmbedder{vec: []float64{0.5, 0.5}})
	ctx := context.Background()

	id1, err := l.Record(ctx, "run-1", 1, "planner", "made a plan")
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := l.Record(ctx, "run-1", 2, "coder", "wrote code")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	eps, err := l.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, id1, eps[0].ID)
	assert.Equal(t, 1, eps[0].StepNumber)
	assert.Equal(t, "planner", eps[0].Role)
	assert.Equal(t, []float64{0.5, 0.5}, eps[0].Embedding)
	assert.Nil(t, eps[0].Importance, "importance is scored at consolidation, not recording")
}

func TestRecordSurvivesEmbeddingFailure(t *testing.T) {
	l := newLog(t, &fakeEmbedder{err: errors.New("provider down")})
	ctx := context.Background()

	id, err := l.Record(ctx, "run-1", 1, "coder", "content")
	require.NoError(t, err, "an embedding failure must not lose the record")

	eps, err := l.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, id, eps[0].ID)
	assert.Nil(t, eps[0].Embedding)
}

func TestRecordWithoutEmbedder(t *testing.T) {
	l := newLog(t, nil)
	_, err := l.Record(context.Background(), "run-1", 1, "coder", "content")
	require.NoError(t, err)
}

func TestRecordRequiresRunID(t *testing.T) {
	l := newLog(t, nil)
	_, err := l.Record(context.Background(), "", 1, "coder", "content")
	require.Error(t, err)
}
