package graph

import (
	"math"
	"time"

	"goa.design/cortex/llm"
)

// RecencyLambda is the hourly decay rate of the recency term.
const RecencyLambda = 0.995

// Weights are the retrieval score coefficients. All terms lie in [0,1]
// before weighting.
type Weights struct {
	Relevance  float64
	Importance float64
	Recency    float64
}

// DefaultWeights returns the standard retrieval weighting.
func DefaultWeights() Weights {
	return Weights{Relevance: 0.5, Importance: 0.3, Recency: 0.2}
}

// Cosine returns the cosine similarity of two vectors. Vectors of unequal
// dimension fail with DimensionMismatchError; a zero vector yields 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &llm.DimensionMismatchError{Want: len(a), Got: len(b)}
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Recency maps elapsed time since the last access to (0,1], decaying
// exponentially per hour. A zero lastAccessed counts as never accessed and
// falls back to 0.
func Recency(lastAccessed, now time.Time) float64 {
	if lastAccessed.IsZero() {
		return 0
	}
	hours := now.Sub(lastAccessed).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-RecencyLambda * hours)
}

// Score combines relevance, importance, and recency under w.
func (w Weights) Score(relevance, importance float64, lastAccessed, now time.Time) float64 {
	return w.Relevance*relevance + w.Importance*importance + w.Recency*Recency(lastAccessed, now)
}
