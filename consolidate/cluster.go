package consolidate

import (
	"goa.design/cortex/memory"
	"goa.design/cortex/memory/graph"
)

// clusterEpisodes groups episodes by embedding similarity with a greedy
// seeded pass: the first unclustered episode seeds a cluster, and later
// unclustered episodes whose similarity to the seed meets the threshold
// join it until the cluster is full. Undersized clusters are dropped unless
// the seed alone clears the high-importance bar.
func clusterEpisodes(episodes []memory.Episode, cfg Config) [][]memory.Episode {
	var clusters [][]memory.Episode
	clustered := make(map[string]bool, len(episodes))

	for i, seed := range episodes {
		if clustered[seed.ID] {
			continue
		}
		cluster := []memory.Episode{seed}
		clustered[seed.ID] = true

		for _, candidate := range episodes[i+1:] {
			if clustered[candidate.ID] {
				continue
			}
			if len(cluster) >= cfg.MaxClusterSize {
				break
			}
			if similarity(seed.Embedding, candidate.Embedding) >= cfg.ClusterThreshold {
				cluster = append(cluster, candidate)
				clustered[candidate.ID] = true
			}
		}

		if len(cluster) >= cfg.MinClusterSize {
			clusters = append(clusters, cluster)
			continue
		}
		// Singleton promotion: an important seed survives alone.
		if seed.Importance != nil && *seed.Importance >= cfg.HighImportance {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// similarity is clustering-tolerant cosine: missing or mismatched
// embeddings count as unrelated rather than failing the cycle.
func similarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	sim, err := graph.Cosine(a, b)
	if err != nil {
		return 0
	}
	return sim
}
