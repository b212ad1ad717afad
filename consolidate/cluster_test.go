package consolidate

import (
	"fmt"
	"testing"

	"goa.design/cortex/memory"
)

func testClusterConfig() Config {
	return Config{ClusterThreshold: 0.75, MinClusterSize: 2, MaxClusterSize: 10, HighImportance: 0.7}
}

func episode(id string, importance float64, embedding []float64) memory.Episode {
	ep := memory.Episode{ID: id, RunID: "run", Role: "coder", Content: id, Embedding: embedding}
	if importance > 0 {
		ep.Importance = &importance
	}
	return ep
}

func TestClusterSimilarEpisodes(t *testing.T) {
	eps := []memory.Episode{
		episode("e1", 0.5, []float64{1, 0}),
		episode("e2", 0.5, []float64{0.9, 0.1}),
		episode("e3", 0.5, []float64{0, 1}),
		episode("e4", 0.5, []float64{0.1, 0.9}),
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 || clusters[0][0].ID != "e1" || clusters[0][1].ID != "e2" {
		t.Errorf("unexpected first cluster: %v", ids(clusters[0]))
	}
	if len(clusters[1]) != 2 || clusters[1][0].ID != "e3" || clusters[1][1].ID != "e4" {
		t.Errorf("unexpected second cluster: %v", ids(clusters[1]))
	}
}

func TestClusterDropsSmallLowImportance(t *testing.T) {
	eps := []memory.Episode{
		episode("e1", 0.5, []float64{1, 0}),
		episode("e2", 0.5, []float64{0, 1}),
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 0 {
		t.Fatalf("dissimilar low-importance singletons should be dropped, got %d clusters", len(clusters))
	}
}

func TestClusterPromotesImportantSingleton(t *testing.T) {
	eps := []memory.Episode{
		episode("e1", 0.9, []float64{1, 0}),
		episode("e2", 0.5, []float64{0, 1}),
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 1 {
		t.Fatalf("expected the important singleton to survive, got %d clusters", len(clusters))
	}
	if clusters[0][0].ID != "e1" {
		t.Errorf("wrong singleton promoted: %v", ids(clusters[0]))
	}
}

func TestClusterUnscoredSingletonDropped(t *testing.T) {
	eps := []memory.Episode{
		episode("e1", 0, []float64{1, 0}),
		episode("e2", 0, []float64{0, 1}),
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 0 {
		t.Fatalf("unscored singletons must not be promoted, got %d clusters", len(clusters))
	}
}

func TestClusterMaxSize(t *testing.T) {
	var eps []memory.Episode
	for i := 0; i < 12; i++ {
		eps = append(eps, episode(fmt.Sprintf("e%d", i), 0.5, []float64{1, 0}))
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 10 {
		t.Errorf("expected the first cluster capped at 10, got %d", len(clusters[0]))
	}
	if len(clusters[1]) != 2 {
		t.Errorf("expected the overflow cluster to hold 2, got %d", len(clusters[1]))
	}
}

func TestClusterMissingEmbeddings(t *testing.T) {
	// Unembedded episodes never join a cluster; only importance saves them.
	eps := []memory.Episode{
		episode("e1", 0.5, nil),
		episode("e2", 0.9, nil),
		episode("e3", 0.5, []float64{1, 0, 0}),
	}
	clusters := clusterEpisodes(eps, testClusterConfig())
	if len(clusters) != 1 {
		t.Fatalf("expected only the important singleton, got %d clusters", len(clusters))
	}
	if clusters[0][0].ID != "e2" {
		t.Errorf("wrong cluster survived: %v", ids(clusters[0]))
	}
}

func ids(eps []memory.Episode) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.ID
	}
	return out
}
