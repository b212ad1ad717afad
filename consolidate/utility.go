package consolidate

import (
	"context"
	"math"
	"time"

	"goa.design/clue/log"

	"goa.design/cortex/memory"
)

const (
	// UtilityMaxTimes saturates the usage term of the utility score.
	UtilityMaxTimes = 100

	// UtilityDecayRate is the daily decay of the recency term.
	UtilityDecayRate = 0.01

	// DefaultUtilityThreshold archives patterns scoring below it.
	DefaultUtilityThreshold = 0.3
)

// UtilityScore rates a pattern's worth: 40% usage saturation, 30% success
// rate, 30% recency with daily exponential decay.
func UtilityScore(timesUsed int, successRate float64, lastUsed, now time.Time) float64 {
	usage := float64(timesUsed) / UtilityMaxTimes
	if usage > 1 {
		usage = 1
	}
	days := now.Sub(lastUsed).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Exp(-UtilityDecayRate * days)
	return 0.4*usage + 0.3*successRate + 0.3*recency
}

// PruneLowUtilityPatterns rescores every active pattern and archives those
// below the threshold. Archival is a flag, not a deletion, so a pattern can
// be resurrected by later use. Returns the number archived.
func PruneLowUtilityPatterns(ctx context.Context, patterns memory.PatternStore, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = DefaultUtilityThreshold
	}
	active, err := patterns.ListPatterns(ctx, false)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	archived := 0
	for _, p := range active {
		utility := UtilityScore(p.TimesUsed, p.SuccessRate, p.LastUsed, now)
		if err := patterns.SetUtility(ctx, p.ID, utility); err != nil {
			return archived, err
		}
		if utility < threshold {
			if err := patterns.ArchivePattern(ctx, p.ID); err != nil {
				return archived, err
			}
			archived++
		}
	}
	if archived > 0 {
		log.Printf(ctx, "archived %d low-utility patterns (threshold=%.2f)", archived, threshold)
	}
	return archived, nil
}
