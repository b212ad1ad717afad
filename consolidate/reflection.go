package consolidate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/cortex/llm"
	"goa.design/cortex/memory"
)

const (
	reflectTemperature = 0.2
	reflectMaxTokens   = 1000

	// maxErrorLen truncates the stored error excerpt.
	maxErrorLen = 500
)

var failureIndicators = []string{
	"error", "exception", "failed", "failure", "traceback", "stack trace",
}

// isFailureEpisode reports whether an episode records a failure.
func isFailureEpisode(ep memory.Episode) bool {
	lower := strings.ToLower(ep.Content)
	for _, ind := range failureIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

const reflectPromptTemplate = `You attempted a task but encountered a failure. Reflect on what happened and learn from it.

Context:
%s

Error/Failure:
%s

Provide a structured reflection with:
1. What you were trying to accomplish
2. Why the failure occurred (root cause analysis)
3. What you learned from this failure
4. How to prevent this failure in the future (concrete steps)

Format as JSON:
{
  "context_summary": "brief summary of what was attempted",
  "root_cause": "why the failure occurred",
  "insight": "key learning from this failure",
  "prevention_plan": "concrete steps to prevent this in the future"
}`

type reflectionDoc struct {
	ContextSummary string `json:"context_summary"`
	RootCause      string `json:"root_cause"`
	Insight        string `json:"insight"`
	PreventionPlan string `json:"prevention_plan"`
}

// generateReflection runs the reflexion prompt for one failure and stores
// the resulting lesson. Returns false when the model response could not be
// used; that skips the episode without aborting the cycle.
func (c *Consolidator) generateReflection(ctx context.Context, failureContext, errorLog string) (bool, error) {
	prompt := fmt.Sprintf(reflectPromptTemplate, failureContext, errorLog)
	response, err := c.generator.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: reflectTemperature,
		MaxTokens:   reflectMaxTokens,
	})
	if err != nil {
		return false, fmt.Errorf("generate reflection: %w", err)
	}
	var doc reflectionDoc
	if err := json.Unmarshal([]byte(jsonBody(response)), &doc); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "unparseable reflection response"}, log.KV{K: "err", V: err.Error()})
		return false, nil
	}

	excerpt := errorLog
	if len(excerpt) > maxErrorLen {
		excerpt = excerpt[:maxErrorLen]
	}
	reflection := memory.Reflection{
		ID:             reflectionID(failureContext, errorLog, time.Now()),
		Context:        doc.ContextSummary,
		ErrorOrOutcome: excerpt,
		Insight:        doc.Insight,
		PreventionPlan: doc.PreventionPlan,
		CreatedAt:      time.Now(),
	}
	if c.embedder != nil {
		if vec, err := c.embedder.Embed(ctx, doc.ContextSummary+" "+doc.Insight); err == nil {
			reflection.Embedding = vec
		}
	}
	if err := c.memory.PutReflection(ctx, reflection); err != nil {
		return false, err
	}
	log.Debug(ctx, log.KV{K: "msg", V: "reflection stored"}, log.KV{K: "reflection_id", V: reflection.ID})
	return true, nil
}

// reflectionID derives a stable id from the failure context, the error, and
// the generation time.
func reflectionID(context, errorLog string, now time.Time) string {
	sum := sha256.Sum256([]byte(context + ":" + errorLog + ":" + now.Format(time.RFC3339Nano)))
	return "refl_" + hex.EncodeToString(sum[:])[:12]
}
