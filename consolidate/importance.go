package consolidate

import "strings"

// Keyword lexicons for importance scoring. Counting is substring-based and
// case-insensitive, capped at three hits per lexicon.
var (
	highImportanceIndicators = []string{
		"error", "exception", "failed", "failure", "critical",
		"security", "vulnerability", "breach", "exploit",
		"decision:", "decided to", "choosing", "architectural",
		"breaking change", "deprecated", "removed",
		"user preference", "configuration", "setting",
		"bug", "fix", "patch", "workaround",
		"performance issue", "bottleneck", "optimization",
	}
	lowImportanceIndicators = []string{
		"debug:", "trace:", "verbose:",
		"status: ok", "success", "completed normally",
		"starting", "initialized", "loading",
		"info:", "running", "processing",
	}
)

// ScoreImportance rates content in [0,1]. High-importance keywords push the
// base to 0.7 + 0.1 per hit; low-importance keywords pull it to 0.3 - 0.1
// per hit; otherwise the base is neutral 0.5. Unusually short or long
// content gets a 0.1 bonus: terse entries tend to be status markers worth
// keeping and long ones tend to be substantive.
func ScoreImportance(content string) float64 {
	lower := strings.ToLower(content)
	high := countHits(lower, highImportanceIndicators)
	low := countHits(lower, lowImportanceIndicators)

	var base float64
	switch {
	case high > 0:
		base = 0.7 + 0.1*float64(high)
		if base > 1.0 {
			base = 1.0
		}
	case low > 0:
		base = 0.3 - 0.1*float64(low)
		if base < 0.0 {
			base = 0.0
		}
	default:
		base = 0.5
	}

	if len(content) < 50 || len(content) > 500 {
		base += 0.1
		if base > 1.0 {
			base = 1.0
		}
	}
	return base
}

func countHits(content string, indicators []string) int {
	hits := 0
	for _, ind := range indicators {
		if strings.Contains(content, ind) {
			hits++
			if hits == 3 {
				break
			}
		}
	}
	return hits
}
