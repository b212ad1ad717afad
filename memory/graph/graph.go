// Package graph implements retrieval over the temporal knowledge graph:
// breadth-first traversal of active relations, weighted retrieval scoring,
// hybrid semantic search, and reflection lookup.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/cortex/llm"
	"goa.design/cortex/memory"
)

const (
	// MaxDepth bounds graph traversal.
	MaxDepth = 3

	// reflectionImportance is the fixed importance used when ranking
	// reflections, which carry no importance of their own.
	reflectionImportance = 0.8
)

type (
	// Options configures a Graph.
	Options struct {
		// Store provides graph and reflection persistence. Required.
		Store memory.Store
		// Embedder produces query vectors. Required for Search,
		// SimilarPatterns, and RelevantReflections.
		Embedder llm.Embedder
		// Weights overrides the retrieval score weighting. Zero value
		// means the default (0.5, 0.3, 0.2).
		Weights Weights
	}

	// Graph answers retrieval queries against the memory store.
	Graph struct {
		store    memory.Store
		embedder llm.Embedder
		weights  Weights
	}

	// ScoredNode pairs a node with its retrieval score.
	ScoredNode struct {
		Node  memory.SemanticNode
		Score float64
	}
)

// New validates opts and returns a Graph.
func New(opts Options) (*Graph, error) {
	if opts.Store == nil {
		return nil, errors.New("memory store is required")
	}
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Graph{store: opts.Store, embedder: opts.Embedder, weights: w}, nil
}

// Traverse walks active relations breadth-first from entity, in either
// direction, up to depth hops (1..3). Relations are de-duplicated and
// annotated with the depth at which they were first reached. Returns the
// origin node (nil when unknown) and the collected relations.
func (g *Graph) Traverse(ctx context.Context, entity string, depth int) (*memory.SemanticNode, []memory.Relation, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	origin, err := g.store.GetNode(ctx, entity)
	if err != nil {
		return nil, nil, err
	}

	var (
		collected []memory.Relation
		seen      = map[int64]bool{}
		visited   = map[string]bool{entity: true}
		frontier  = []string{entity}
	)
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, name := range frontier {
			rels, err := g.store.ActiveRelations(ctx, name)
			if err != nil {
				return nil, nil, fmt.Errorf("traverse %s at depth %d: %w", entity, d, err)
			}
			for _, rel := range rels {
				if seen[rel.ID] {
					continue
				}
				seen[rel.ID] = true
				rel.Depth = d
				collected = append(collected, rel)
				for _, neighbor := range []string{rel.Source, rel.Target} {
					if !visited[neighbor] {
						visited[neighbor] = true
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}
	return origin, collected, nil
}

// Search ranks nodes against the query by the weighted retrieval score,
// combining vector similarity with lexical overlap, and returns the top
// limit results. filterType restricts results to one node type ("" for
// all).
func (g *Graph) Search(ctx context.Context, query string, limit int, filterType memory.NodeType) ([]ScoredNode, error) {
	if g.embedder == nil {
		return nil, errors.New("embedder is required for search")
	}
	if limit <= 0 {
		limit = 10
	}
	queryVec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	nodes, err := g.store.ListNodes(ctx, filterType)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	terms := queryTerms(query)
	scored := make([]ScoredNode, 0, len(nodes))
	for _, node := range nodes {
		relevance := 0.0
		if node.Embedding != nil {
			relevance, err = Cosine(queryVec, node.Embedding)
			if err != nil {
				return nil, err
			}
		}
		// Hybrid: lexical overlap is additive with the vector score.
		relevance += lexicalOverlap(terms, node.Name+" "+node.Description)
		if relevance > 1 {
			relevance = 1
		}
		scored = append(scored, ScoredNode{
			Node:  node,
			Score: g.weights.Score(relevance, node.Importance, node.LastAccessed, now),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SimilarPatterns returns pattern-typed nodes ranked against the task
// context.
func (g *Graph) SimilarPatterns(ctx context.Context, taskContext string, limit int) ([]ScoredNode, error) {
	return g.Search(ctx, taskContext, limit, memory.NodePattern)
}

// RelevantReflections returns the reflections most relevant to the task
// context, ranked by the retrieval score with a fixed importance, and bumps
// their reference counts.
func (g *Graph) RelevantReflections(ctx context.Context, taskContext string, limit int) ([]memory.Reflection, error) {
	if g.embedder == nil {
		return nil, errors.New("embedder is required for reflection lookup")
	}
	if limit <= 0 {
		limit = 3
	}
	queryVec, err := g.embedder.Embed(ctx, taskContext)
	if err != nil {
		return nil, fmt.Errorf("embed task context: %w", err)
	}
	reflections, err := g.store.ListReflections(ctx)
	if err != nil {
		return nil, err
	}
	type scoredReflection struct {
		r     memory.Reflection
		score float64
	}
	now := time.Now()
	scored := make([]scoredReflection, 0, len(reflections))
	for _, r := range reflections {
		relevance := 0.0
		if r.Embedding != nil {
			relevance, err = Cosine(queryVec, r.Embedding)
			if err != nil {
				return nil, err
			}
		}
		scored = append(scored, scoredReflection{
			r:     r,
			score: g.weights.Score(relevance, reflectionImportance, r.CreatedAt, now),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]memory.Reflection, len(scored))
	ids := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.r
		ids[i] = s.r.ID
	}
	if err := g.store.TouchReflections(ctx, ids); err != nil {
		return nil, err
	}
	return out, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

// lexicalOverlap is the fraction of query terms present in the text.
func lexicalOverlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
