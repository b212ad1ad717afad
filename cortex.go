// Package cortex wires the coordination and memory substrate for
// multi-agent pipelines: a blackboard for shared artifacts, locks, and
// pipeline state; an episodic log and temporal knowledge graph for
// long-term memory; and a consolidator that distills finished runs into
// semantic knowledge during sleep cycles.
//
// Two deployments are supported. The networked deployment runs the
// blackboard on Redis so multiple processes share one substrate; the
// embedded deployment runs everything on SQLite files for single-process
// use. Long-term memory is SQLite in both.
package cortex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"goa.design/cortex/blackboard"
	"goa.design/cortex/consolidate"
	"goa.design/cortex/llm"
	"goa.design/cortex/llm/anthropic"
	"goa.design/cortex/llm/openai"
	"goa.design/cortex/maintenance"
	"goa.design/cortex/memory"
	"goa.design/cortex/memory/episodes"
	"goa.design/cortex/memory/graph"
	memsqlite "goa.design/cortex/memory/sqlite"
	"goa.design/cortex/retry"
	"goa.design/cortex/store"
	redisstore "goa.design/cortex/store/redis"
	storesqlite "goa.design/cortex/store/sqlite"
)

const (
	// DefaultGeneratorModel is the Anthropic model used for insight
	// extraction and reflections.
	DefaultGeneratorModel = "claude-sonnet-4-5"

	// DefaultEmbeddingModel is the OpenAI embedding model.
	DefaultEmbeddingModel = "text-embedding-3-small"

	blackboardDB = "blackboard.db"
	memoryDB     = "memory.db"
)

type (
	// Config configures a Cortex instance.
	Config struct {
		// RedisAddr selects the networked deployment for the blackboard.
		// Empty means the embedded SQLite deployment under DataDir.
		RedisAddr string
		// RedisPassword authenticates the Redis connection.
		RedisPassword string
		// DataDir holds the SQLite databases. Required.
		DataDir string

		// AnthropicAPIKey enables consolidation. Without it the
		// consolidator is nil and sleep cycles are unavailable.
		AnthropicAPIKey string
		// GeneratorModel overrides DefaultGeneratorModel.
		GeneratorModel string
		// OpenAIAPIKey enables embeddings. Without it retrieval falls
		// back to lexical matching and clustering degrades to
		// importance promotion.
		OpenAIAPIKey string
		// EmbeddingModel overrides DefaultEmbeddingModel.
		EmbeddingModel string
		// RequestsPerMinute throttles model calls. Defaults to 60.
		RequestsPerMinute float64

		// Retry overrides the blackboard retry policy.
		Retry retry.Config
		// Schemas optionally validates artifact payloads on write.
		Schemas *blackboard.SchemaRegistry
		// Consolidation overrides clustering thresholds.
		Consolidation consolidate.Config
		// Maintenance enables the background pattern decay loop.
		Maintenance bool
	}

	// Cortex bundles the substrate's subsystems. Fields are nil when the
	// configuration does not enable them; Blackboard, Memory, Episodes,
	// and Graph are always set.
	Cortex struct {
		Blackboard   *blackboard.Blackboard
		Memory       memory.Store
		Episodes     *episodes.Log
		Graph        *graph.Graph
		Consolidator *consolidate.Consolidator
		Maintainer   *maintenance.Maintainer

		store store.Store
		rdb   *redis.Client
	}
)

// New assembles a Cortex from cfg. The returned instance owns its
// connections; release them with Close.
func New(ctx context.Context, cfg Config) (*Cortex, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	var (
		bbStore store.Store
		rdb     *redis.Client
		err     error
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		bbStore, err = redisstore.New(redisstore.Options{Client: rdb})
	} else {
		bbStore, err = storesqlite.New(storesqlite.Options{Path: filepath.Join(cfg.DataDir, blackboardDB)})
	}
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("open blackboard store: %w", err)
	}

	c := &Cortex{store: bbStore, rdb: rdb}
	cleanup := func() { _ = c.Close(ctx) }

	c.Blackboard, err = blackboard.New(blackboard.Options{
		Store:   bbStore,
		Retry:   cfg.Retry,
		Schemas: cfg.Schemas,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	c.Memory, err = memsqlite.New(memsqlite.Options{Path: filepath.Join(cfg.DataDir, memoryDB)})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	generator, embedder, err := buildModels(cfg)
	if err != nil {
		cleanup()
		return nil, err
	}

	c.Episodes, err = episodes.New(episodes.Options{Store: c.Memory, Embedder: embedder})
	if err != nil {
		cleanup()
		return nil, err
	}

	c.Graph, err = graph.New(graph.Options{Store: c.Memory, Embedder: embedder})
	if err != nil {
		cleanup()
		return nil, err
	}

	if generator != nil {
		c.Consolidator, err = consolidate.New(consolidate.Options{
			Memory:    c.Memory,
			Generator: generator,
			Embedder:  embedder,
			Locker:    c.Blackboard,
			Config:    cfg.Consolidation,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	if cfg.Maintenance {
		c.Maintainer, err = maintenance.New(maintenance.Options{
			Patterns: c.Memory,
			Redis:    rdb,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := c.Maintainer.Start(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("start maintenance: %w", err)
		}
	}

	return c, nil
}

// buildModels constructs the rate-limited model clients the configuration
// enables. Both may be nil.
func buildModels(cfg Config) (llm.Generator, llm.Embedder, error) {
	var (
		generator llm.Generator
		embedder  llm.Embedder
	)
	if cfg.AnthropicAPIKey != "" {
		model := cfg.GeneratorModel
		if model == "" {
			model = DefaultGeneratorModel
		}
		client, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, model)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic client: %w", err)
		}
		generator = client
	}
	if cfg.OpenAIAPIKey != "" {
		model := cfg.EmbeddingModel
		if model == "" {
			model = DefaultEmbeddingModel
		}
		client, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, model)
		if err != nil {
			return nil, nil, fmt.Errorf("openai client: %w", err)
		}
		embedder = client
	}
	if generator == nil && embedder == nil {
		return nil, nil, nil
	}
	limited := llm.NewRateLimited(generator, embedder, cfg.RequestsPerMinute)
	if generator != nil {
		generator = limited
	}
	if embedder != nil {
		embedder = limited
	}
	return generator, embedder, nil
}

// Checker aggregates the substrate's dependencies into a clue health
// checker suitable for mounting on a health endpoint.
func (c *Cortex) Checker() health.Checker {
	return health.NewChecker(c.store, c.Memory)
}

// Close stops background work and releases every connection. Safe to call
// on a partially constructed instance.
func (c *Cortex) Close(ctx context.Context) error {
	var errs []error
	if c.Maintainer != nil {
		if err := c.Maintainer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Memory != nil {
		if err := c.Memory.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
