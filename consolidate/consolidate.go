// Package consolidate implements the sleep cycle that turns raw episodic
// records into semantic knowledge: episodes are scored, clustered by
// embedding similarity, distilled into nodes and relations through the
// model, mined for failure reflections, and finally archived. Pattern
// utility scoring and pruning live here too.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/cortex/blackboard"
	"goa.design/cortex/llm"
	"goa.design/cortex/memory"
)

type (
	// Locker serializes consolidation cycles per run id. Satisfied by
	// *blackboard.Blackboard.
	Locker interface {
		WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error, opts ...blackboard.LockOption) error
	}

	// Config tunes the sleep cycle.
	Config struct {
		// ClusterThreshold is the minimum cosine similarity to the
		// cluster seed. Defaults to 0.75.
		ClusterThreshold float64
		// MinClusterSize discards smaller clusters. Defaults to 2.
		MinClusterSize int
		// MaxClusterSize caps cluster growth. Defaults to 10.
		MaxClusterSize int
		// HighImportance promotes an important singleton into a cluster
		// of its own. Defaults to 0.7.
		HighImportance float64
	}

	// Options configures a Consolidator.
	Options struct {
		// Memory is the persistence layer. Required.
		Memory memory.Store
		// Generator extracts insights and reflections. Required.
		Generator llm.Generator
		// Embedder vectors extracted nodes and reflections. Optional.
		Embedder llm.Embedder
		// Locker serializes cycles per run id. Optional; without it
		// concurrent cycles over the same run are the caller's problem.
		Locker Locker
		// Config overrides cycle tuning; zero fields take defaults.
		Config Config
	}

	// Consolidator runs sleep cycles.
	Consolidator struct {
		memory    memory.Store
		generator llm.Generator
		embedder  llm.Embedder
		locker    Locker
		cfg       Config
	}
)

// ConsolidationError wraps a fatal failure of the cycle. The active episode
// log is left intact: archival is the last step and is transactional.
type ConsolidationError struct {
	RunID string
	Step  string
	Err   error
}

func (e *ConsolidationError) Error() string {
	return fmt.Sprintf("consolidate run %s: %s: %v", e.RunID, e.Step, e.Err)
}

func (e *ConsolidationError) Unwrap() error { return e.Err }

// New validates opts and returns a Consolidator.
func New(opts Options) (*Consolidator, error) {
	if opts.Memory == nil {
		return nil, errors.New("memory store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	cfg := opts.Config
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = 0.75
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 2
	}
	if cfg.MaxClusterSize <= 0 {
		cfg.MaxClusterSize = 10
	}
	if cfg.HighImportance <= 0 {
		cfg.HighImportance = 0.7
	}
	return &Consolidator{
		memory:    opts.Memory,
		generator: opts.Generator,
		embedder:  opts.Embedder,
		locker:    opts.Locker,
		cfg:       cfg,
	}, nil
}

func extractionRequest(prompt string) llm.GenerateRequest {
	return llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: extractTemperature,
		MaxTokens:   extractMaxTokens,
	}
}

// Run executes the sleep cycle for one pipeline run. Cycles over the same
// run id are serialized through the locker; re-running an already-drained
// run is a no-op report. Any fatal error aborts the cycle before archival,
// so the active log survives for a retry.
func (c *Consolidator) Run(ctx context.Context, runID string) (*memory.ConsolidationReport, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	var report *memory.ConsolidationReport
	cycle := func(ctx context.Context) error {
		var err error
		report, err = c.cycle(ctx, runID)
		return err
	}
	if c.locker != nil {
		if err := c.locker.WithLock(ctx, "consolidate:"+runID, cycle); err != nil {
			return nil, err
		}
		return report, nil
	}
	if err := cycle(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Consolidator) cycle(ctx context.Context, runID string) (*memory.ConsolidationReport, error) {
	start := time.Now()
	log.Printf(ctx, "starting consolidation for run %s", runID)

	episodes, err := c.memory.EpisodesByRun(ctx, runID)
	if err != nil {
		return nil, &ConsolidationError{RunID: runID, Step: "fetch episodes", Err: err}
	}
	if len(episodes) == 0 {
		log.Warn(ctx, log.KV{K: "msg", V: "no episodes to consolidate"}, log.KV{K: "run_id", V: runID})
		return &memory.ConsolidationReport{RunID: runID}, nil
	}

	// Score episodes the agents did not score themselves.
	for i := range episodes {
		if episodes[i].Importance == nil {
			score := ScoreImportance(episodes[i].Content)
			episodes[i].Importance = &score
			if err := c.memory.SetImportance(ctx, episodes[i].ID, score); err != nil {
				return nil, &ConsolidationError{RunID: runID, Step: "score importance", Err: err}
			}
		}
	}

	clusters := clusterEpisodes(episodes, c.cfg)
	log.Printf(ctx, "clustered %d episodes into %d clusters", len(episodes), len(clusters))

	var nodesCreated, nodesUpdated, relationsUpserted int
	for _, cluster := range clusters {
		nodes, relations, err := c.extractInsights(ctx, cluster)
		if err != nil {
			return nil, &ConsolidationError{RunID: runID, Step: "extract insights", Err: err}
		}
		for _, node := range nodes {
			created, err := c.memory.UpsertNode(ctx, node)
			if err != nil {
				return nil, &ConsolidationError{RunID: runID, Step: "upsert node", Err: err}
			}
			if created {
				nodesCreated++
			} else {
				nodesUpdated++
			}
		}
		for _, rel := range relations {
			if err := c.memory.UpsertRelation(ctx, rel); err != nil {
				return nil, &ConsolidationError{RunID: runID, Step: "upsert relation", Err: err}
			}
			relationsUpserted++
		}
	}

	reflections := 0
	for _, ep := range episodes {
		if !isFailureEpisode(ep) {
			continue
		}
		ok, err := c.generateReflection(ctx, ep.Content, ep.Content)
		if err != nil {
			return nil, &ConsolidationError{RunID: runID, Step: "generate reflection", Err: err}
		}
		if ok {
			reflections++
		}
	}

	if err := c.recordRunPatterns(ctx, episodes); err != nil {
		return nil, &ConsolidationError{RunID: runID, Step: "record patterns", Err: err}
	}

	// Archive last, in one transaction, so any earlier failure leaves the
	// active log intact for a retry.
	ids := make([]string, len(episodes))
	for i, ep := range episodes {
		ids[i] = ep.ID
	}
	archived, err := c.memory.ArchiveEpisodes(ctx, runID, ids)
	if err != nil {
		return nil, &ConsolidationError{RunID: runID, Step: "archive episodes", Err: err}
	}

	report := &memory.ConsolidationReport{
		RunID:             runID,
		Episodes:          len(episodes),
		Clusters:          len(clusters),
		NodesCreated:      nodesCreated,
		NodesUpdated:      nodesUpdated,
		RelationsUpserted: relationsUpserted,
		Reflections:       reflections,
		Archived:          archived,
		Duration:          time.Since(start),
	}
	log.Printf(ctx, "consolidation of run %s complete: %d episodes, %d clusters, %d+%d nodes, %d relations, %d reflections",
		runID, report.Episodes, report.Clusters, report.NodesCreated, report.NodesUpdated,
		report.RelationsUpserted, report.Reflections)
	return report, nil
}

// recordRunPatterns folds each role's outcome into procedural memory under
// the composite <role>-<outcome> pattern id.
func (c *Consolidator) recordRunPatterns(ctx context.Context, episodes []memory.Episode) error {
	failed := make(map[string]bool)
	order := make([]string, 0, 4)
	for _, ep := range episodes {
		if _, seen := failed[ep.Role]; !seen {
			order = append(order, ep.Role)
			failed[ep.Role] = false
		}
		if isFailureEpisode(ep) {
			failed[ep.Role] = true
		}
	}
	for _, role := range order {
		outcome := "success"
		if failed[role] {
			outcome = "failure"
		}
		id := role + "-" + outcome
		if err := c.memory.RecordUse(ctx, id, id, role, !failed[role]); err != nil {
			return err
		}
	}
	return nil
}
