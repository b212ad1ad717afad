package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Generator and an Embedder behind a shared
// requests-per-minute token bucket. The limiter sits at the provider client
// boundary; consolidation constructs one per process so burst extraction
// over many clusters does not trip provider limits.
type RateLimited struct {
	generator Generator
	embedder  Embedder
	limiter   *rate.Limiter
}

// NewRateLimited returns a limiter-wrapped view of the given clients.
// Either client may be nil when the corresponding operation is unused.
// rpm is the requests-per-minute budget; values <= 0 default to 60.
func NewRateLimited(generator Generator, embedder Embedder, rpm float64) *RateLimited {
	if rpm <= 0 {
		rpm = 60
	}
	burst := int(rpm / 10)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		generator: generator,
		embedder:  embedder,
		limiter:   rate.NewLimiter(rate.Limit(rpm/60.0), burst),
	}
}

// Generate blocks until the limiter grants a slot, then delegates.
func (r *RateLimited) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.generator.Generate(ctx, req)
}

// Embed blocks until the limiter grants a slot, then delegates.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.embedder.Embed(ctx, text)
}
