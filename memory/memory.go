// Package memory defines the domain model of the long-term memory
// substrate: episodic records, the temporal knowledge graph, reflections
// distilled from failures, and procedural patterns. Persistence is split
// per concern behind narrow store interfaces; the sqlite subpackage
// implements all of them on the embedded relational schema.
package memory

import (
	"context"
	"time"

	"goa.design/clue/health"
)

// NodeType classifies semantic nodes.
type NodeType string

const (
	NodeFile     NodeType = "file"
	NodeConcept  NodeType = "concept"
	NodeError    NodeType = "error"
	NodeDecision NodeType = "decision"
	NodePattern  NodeType = "pattern"
	NodeService  NodeType = "service"
	NodeUser     NodeType = "user"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeFile, NodeConcept, NodeError, NodeDecision, NodePattern, NodeService, NodeUser:
		return true
	}
	return false
}

// Episode is one agent step's raw record within a pipeline run. Episodes
// are append-only within a run and archived once consolidated.
type Episode struct {
	ID         string
	RunID      string
	StepNumber int
	Role       string
	Content    string
	Embedding  []float64
	CreatedAt  time.Time
	// Importance is nil until the consolidator scores the episode.
	Importance   *float64
	LastAccessed time.Time
}

// SemanticNode is a named unit of distilled knowledge. Name is the primary
// identity; Sources accumulates every episode that contributed and
// Importance is the running maximum over contributions.
type SemanticNode struct {
	Name        string
	Type        NodeType
	Description string
	Importance  float64
	Sources     []string
	Embedding   []float64
	CreatedAt   time.Time
	LastUpdated time.Time
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	// AccessCount and LastAccessed track retrieval, updated atomically
	// with each read.
	AccessCount  int
	LastAccessed time.Time
	Metadata     map[string]any
}

// Relation is a directed, bi-temporal edge. A relation is active while
// ValidUntil is nil; supersession closes the active record and opens a
// replacement, preserving history.
type Relation struct {
	ID         int64
	Source     string
	Type       string
	Target     string
	Strength   float64
	ValidFrom  time.Time
	ValidUntil *time.Time
	Metadata   map[string]any
	// Depth is the traversal distance from the origin entity; only set on
	// results of Traverse.
	Depth int
}

// Active reports whether the relation is currently valid.
func (r Relation) Active() bool { return r.ValidUntil == nil }

// Reflection is a lesson extracted from a failure episode.
type Reflection struct {
	ID              string
	Context         string
	ErrorOrOutcome  string
	Insight         string
	PreventionPlan  string
	CreatedAt       time.Time
	Embedding       []float64
	TimesReferenced int
	SuccessRate     float64
	Archived        bool
	ArchivedAt      *time.Time
}

// Pattern is a recurring success or failure template with a utility score
// that governs pruning.
type Pattern struct {
	ID           string
	Name         string
	Category     string
	SuccessRate  float64
	TimesUsed    int
	UtilityScore float64
	KeyElements  []string
	CommonTools  []string
	LastUsed     time.Time
	Archived     bool
}

// ConsolidationReport summarizes one sleep cycle.
type ConsolidationReport struct {
	RunID             string
	Episodes          int
	Clusters          int
	NodesCreated      int
	NodesUpdated      int
	RelationsUpserted int
	Reflections       int
	Archived          int
	Duration          time.Duration
}

// Stats is a snapshot of memory volume and pattern outcomes.
type Stats struct {
	Episodes           int
	ArchivedEpisodes   int
	Nodes              int
	Relations          int
	Reflections        int
	Patterns           int
	OverallSuccessRate float64
}

// EpisodeStore persists the short-term episode log.
type EpisodeStore interface {
	// AppendEpisode records one step. The episode id must be set.
	AppendEpisode(ctx context.Context, ep Episode) error
	// EpisodesByRun returns a run's active episodes in step order.
	EpisodesByRun(ctx context.Context, runID string) ([]Episode, error)
	// SetImportance stores a score for an episode.
	SetImportance(ctx context.Context, episodeID string, importance float64) error
	// ArchiveEpisodes moves the given episodes of a run to the archive
	// table and removes them from the active log, in one transaction.
	// Returns the number archived.
	ArchiveEpisodes(ctx context.Context, runID string, ids []string) (int, error)
}

// GraphStore persists the temporal knowledge graph.
type GraphStore interface {
	// UpsertNode inserts or merges a node by name. A merge unions
	// Sources, keeps the maximum Importance, overwrites Description and
	// Embedding, and refreshes LastUpdated. Reports whether the node was
	// created.
	UpsertNode(ctx context.Context, node SemanticNode) (bool, error)
	// GetNode returns the node, updating LastAccessed and AccessCount
	// atomically with the read. Returns (nil, nil) when absent.
	GetNode(ctx context.Context, name string) (*SemanticNode, error)
	// ListNodes returns nodes, optionally filtered by type ("" for all).
	ListNodes(ctx context.Context, typ NodeType) ([]SemanticNode, error)
	// InvalidateNode closes a node's validity interval.
	InvalidateNode(ctx context.Context, name string) error
	// UpsertRelation applies the supersession protocol: an active
	// (source, type, target) triple is closed and a new active record
	// opened with the given strength and metadata.
	UpsertRelation(ctx context.Context, rel Relation) error
	// InvalidateRelation closes the active triple if present.
	InvalidateRelation(ctx context.Context, source, relType, target string) (bool, error)
	// ActiveRelations returns all active relations touching name in
	// either direction.
	ActiveRelations(ctx context.Context, name string) ([]Relation, error)
}

// ReflectionStore persists reflections.
type ReflectionStore interface {
	PutReflection(ctx context.Context, r Reflection) error
	// ListReflections returns unarchived reflections.
	ListReflections(ctx context.Context) ([]Reflection, error)
	// TouchReflections bumps TimesReferenced for the given ids.
	TouchReflections(ctx context.Context, ids []string) error
}

// PatternStore persists procedural patterns.
type PatternStore interface {
	// RecordUse upserts a pattern and folds one more outcome into its
	// success-rate running average.
	RecordUse(ctx context.Context, id, name, category string, success bool) error
	ListPatterns(ctx context.Context, includeArchived bool) ([]Pattern, error)
	// SetUtility stores a freshly computed utility score.
	SetUtility(ctx context.Context, id string, utility float64) error
	// ArchivePattern flags a pattern out of active use; no deletion.
	ArchivePattern(ctx context.Context, id string) error
	// DecayUnused multiplies the utility of patterns unused since the
	// cutoff by factor. Returns how many were decayed.
	DecayUnused(ctx context.Context, cutoff time.Time, factor float64) (int, error)
}

// Store is the full persistence surface of the memory subsystem.
type Store interface {
	health.Pinger
	EpisodeStore
	GraphStore
	ReflectionStore
	PatternStore

	// Stats reports memory volume and overall pattern success rate.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
