package cortex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cortex/blackboard"
)

func TestNewEmbedded(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close(ctx)) }()

	require.NotNil(t, c.Blackboard)
	require.NotNil(t, c.Memory)
	require.NotNil(t, c.Episodes)
	require.NotNil(t, c.Graph)
	assert.Nil(t, c.Consolidator, "no model key, no consolidator")
	assert.Nil(t, c.Maintainer)

	// The subsystems are usable out of the box.
	require.NoError(t, c.Blackboard.Write(ctx, "task:1", map[string]any{"ok": true}, blackboard.TypePlan,
		blackboard.WithProducer("tester")))
	got, err := c.Blackboard.Read(ctx, "task:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, blackboard.TypePlan, got.Type)

	_, err = c.Episodes.Record(ctx, "run-1", 1, "coder", "wrote the first draft")
	require.NoError(t, err)
	eps, err := c.Memory.EpisodesByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, eps, 1)

	health, healthy := c.Checker().Check(ctx)
	assert.True(t, healthy)
	for name, state := range health.Status {
		assert.Equal(t, "OK", state, "dependency %s", name)
	}
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewWithMaintenance(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, Config{DataDir: t.TempDir(), Maintenance: true})
	require.NoError(t, err)
	require.NotNil(t, c.Maintainer)
	require.NoError(t, c.Close(ctx))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))
	// SQLite closes tolerate a second call; memory.Store does not promise
	// it, so only the first Close is asserted clean here.
	_ = c.Close(ctx)
}
