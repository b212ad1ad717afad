// Package episodes implements the append-only episode log: one record per
// agent step within a pipeline run, embedded at record time so the
// consolidator can cluster without re-embedding.
package episodes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/cortex/llm"
	"goa.design/cortex/memory"
)

// Options configures a Log.
type Options struct {
	// Store persists episodes. Required.
	Store memory.EpisodeStore
	// Embedder vectors episode content. Optional; without it episodes
	// are stored unembedded and clustered by importance only.
	Embedder llm.Embedder
}

// Log records agent steps.
type Log struct {
	store    memory.EpisodeStore
	embedder llm.Embedder
}

// New validates opts and returns a Log.
func New(opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, errors.New("episode store is required")
	}
	return &Log{store: opts.Store, embedder: opts.Embedder}, nil
}

// Record appends one episode and returns its id. Embedding failures are
// logged and leave the episode unembedded rather than losing the record.
func (l *Log) Record(ctx context.Context, runID string, stepNumber int, role, content string) (string, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	ep := memory.Episode{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepNumber: stepNumber,
		Role:       role,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	if l.embedder != nil {
		vec, err := l.embedder.Embed(ctx, content)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "embed episode failed"}, log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
		} else {
			ep.Embedding = vec
		}
	}
	if err := l.store.AppendEpisode(ctx, ep); err != nil {
		return "", err
	}
	return ep.ID, nil
}

// ByRun returns a run's active episodes in step order.
func (l *Log) ByRun(ctx context.Context, runID string) ([]memory.Episode, error) {
	return l.store.EpisodesByRun(ctx, runID)
}
